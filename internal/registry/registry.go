// Package registry announces the components this process serves. Presence is published through the
// gRPC health service so an external discovery system can find components by name and see whether
// they are serving; discovery itself lives elsewhere.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/session/domain"
)

// Names under which the session layers register.
const (
	CompositionName = "session.composition"
	AgentName       = "session.agent"
)

var ErrDuplicate = errors.New("registry: component already registered")

// Checker is a registered component.
type Checker interface {
	HealthCheck(ctx context.Context) domain.ServiceHealth
}

// Reporter receives health reports. *handler.Server satisfies it.
type Reporter interface {
	Report(name string, h domain.ServiceHealth)
	SetOverall(serving bool)
}

// Registry holds the registered components. Registration happens at startup; polling may run concurrently.
type Registry struct {
	reporter Reporter
	logger   zerolog.Logger

	mu         sync.RWMutex
	components map[string]Checker
}

func New(reporter Reporter, logger zerolog.Logger) *Registry {
	return &Registry{
		reporter:   reporter,
		logger:     logger.With().Str("component", "registry").Logger(),
		components: map[string]Checker{},
	}
}

// Register announces c under name. The component is reported NOT_SERVING until its first poll.
func (r *Registry) Register(name string, c Checker) error {
	if name == "" || c == nil {
		return fmt.Errorf("%w: name and checker are required", domain.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.components[name] = c
	r.reporter.Report(name, domain.ServiceHealth{Service: name, Status: domain.HealthUnhealthy})
	r.logger.Info().Str("name", name).Msg("component registered")
	return nil
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for n := range r.components {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Poll checks every component once, reports each result and sets the overall status.
// The process is serving overall only when every component is healthy.
func (r *Registry) Poll(ctx context.Context) map[string]domain.ServiceHealth {
	r.mu.RLock()
	snapshot := make(map[string]Checker, len(r.components))
	for n, c := range r.components {
		snapshot[n] = c
	}
	r.mu.RUnlock()

	out := make(map[string]domain.ServiceHealth, len(snapshot))
	serving := true
	for name, c := range snapshot {
		h := c.HealthCheck(ctx)
		out[name] = h
		r.reporter.Report(name, h)
		if !h.Healthy() {
			serving = false
		}
	}
	r.reporter.SetOverall(serving)
	return out
}

// Run polls immediately and then every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	r.Poll(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Poll(ctx)
		}
	}
}
