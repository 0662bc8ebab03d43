package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// EventEmitter emits telemetry events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event *Event) error

func (f EmitterFunc) Emit(ctx context.Context, event *Event) error { return f(ctx, event) }

// Nop discards every event.
var Nop EventEmitter = EmitterFunc(func(context.Context, *Event) error { return nil })

// Multi fans an event out to every non-nil emitter and joins their errors.
func Multi(emitters ...EventEmitter) EventEmitter {
	var live []EventEmitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return Nop
	case 1:
		return live[0]
	}
	return multiEmitter(live)
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async wraps e so each Emit returns immediately and the write runs through EmitAsync.
func Async(e EventEmitter, logger zerolog.Logger) EventEmitter {
	if e == nil {
		return Nop
	}
	return EmitterFunc(func(ctx context.Context, event *Event) error {
		EmitAsync(e, logger.WithContext(ctx), event.Clone())
		return nil
	})
}

// NewLogEmitter writes each event as a structured debug line.
func NewLogEmitter(logger zerolog.Logger) EventEmitter {
	logger = logger.With().Str("component", "telemetry").Logger()
	return EmitterFunc(func(_ context.Context, event *Event) error {
		if event == nil {
			return nil
		}
		ev := logger.Debug().
			Str("operation", event.Operation).
			Str("phase", string(event.Phase)).
			Bool("success", event.Success).
			Str("tenant_id", event.TenantID).
			Str("session_id", event.SessionID).
			Str("source", event.Source)
		if len(event.Details) > 0 {
			details := zerolog.Dict()
			for k, v := range event.Details {
				details.Str(k, v)
			}
			ev.Dict("details", details)
		}
		ev.Msg("session event")
		return nil
	})
}

// Capture keeps every emitted event in memory. It is safe for concurrent use.
type Capture struct {
	mu     sync.Mutex
	events []*Event
}

func (c *Capture) Emit(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	c.mu.Lock()
	c.events = append(c.events, event.Clone())
	c.mu.Unlock()
	return nil
}

// Events returns a snapshot of the captured events in emission order.
func (c *Capture) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Operation returns the captured events for one operation name.
func (c *Capture) Operation(name string) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Operation == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all captured events.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
