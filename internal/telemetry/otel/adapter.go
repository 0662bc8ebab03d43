package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-control-plane/backend/internal/telemetry"
)

const loggerName = "session-control-plane.events"

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return telemetry.Nop
	}
	return NewEventEmitterWithLogger(provider.Logger(loggerName))
}

// recordEmitter is the subset of otellog.Logger the emitter needs.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// NewEventEmitterWithLogger emits through logger directly.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record. Details become the JSON body; identity fields become attributes.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetTimestamp(event.Timestamp)
	if event.Timestamp.IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(event.Operation)
	if event.Success || event.Phase == telemetry.PhaseStart {
		rec.SetSeverity(otellog.SeverityInfo)
	} else {
		rec.SetSeverity(otellog.SeverityWarn)
	}
	if len(event.Details) > 0 {
		body, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}
	rec.AddAttributes(
		otellog.String("operation", event.Operation),
		otellog.String("phase", string(event.Phase)),
		otellog.Bool("success", event.Success),
		otellog.String("tenant_id", event.TenantID),
	)
	for k, v := range map[string]string{
		"service_id": event.ServiceID,
		"agent_id":   event.AgentID,
		"session_id": event.SessionID,
		"source":     event.Source,
	} {
		if v != "" {
			rec.AddAttributes(otellog.String(k, v))
		}
	}
	e.logger.Emit(ctx, rec)
	return nil
}
