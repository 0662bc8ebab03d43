package telemetry

import (
	"context"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"session-control-plane/backend/internal/audit"
	"session-control-plane/backend/internal/session/domain"
)

const instrumentationName = "session-control-plane/telemetry"

// Recorder brackets session operations with start/complete events, a span and metrics.
// Failed operations are also written to the audit log. A nil *Recorder is a no-op.
type Recorder struct {
	emitter  EventEmitter
	auditor  audit.AuditLogger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	count    metric.Int64Counter
	logger   zerolog.Logger
	now      func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	emitter        EventEmitter
	auditor        audit.AuditLogger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	logger         zerolog.Logger
	now            func() time.Time
}

func WithEmitter(e EventEmitter) RecorderOption {
	return func(c *recorderConfig) { c.emitter = e }
}

// WithAuditor sets where failed operations are recorded.
func WithAuditor(a audit.AuditLogger) RecorderOption {
	return func(c *recorderConfig) { c.auditor = a }
}

func WithTracerProvider(tp trace.TracerProvider) RecorderOption {
	return func(c *recorderConfig) { c.tracerProvider = tp }
}

func WithMeterProvider(mp metric.MeterProvider) RecorderOption {
	return func(c *recorderConfig) { c.meterProvider = mp }
}

func WithRecorderLogger(l zerolog.Logger) RecorderOption {
	return func(c *recorderConfig) { c.logger = l }
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(c *recorderConfig) { c.now = now }
}

// NewRecorder builds a Recorder. Unset providers fall back to the OTel globals.
func NewRecorder(opts ...RecorderOption) *Recorder {
	cfg := recorderConfig{
		emitter: Nop,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.emitter == nil {
		cfg.emitter = Nop
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = otel.GetTracerProvider()
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = otel.GetMeterProvider()
	}
	logger := cfg.logger.With().Str("component", "telemetry").Logger()
	meter := cfg.meterProvider.Meter(instrumentationName)
	duration, err := meter.Float64Histogram("session.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of session operations."))
	if err != nil {
		logger.Warn().Err(err).Msg("duration histogram unavailable")
	}
	count, err := meter.Int64Counter("session.operations",
		metric.WithDescription("Completed session operations by outcome."))
	if err != nil {
		logger.Warn().Err(err).Msg("operation counter unavailable")
	}
	return &Recorder{
		emitter:  cfg.emitter,
		auditor:  cfg.auditor,
		tracer:   cfg.tracerProvider.Tracer(instrumentationName),
		duration: duration,
		count:    count,
		logger:   logger,
		now:      cfg.now,
	}
}

// Operation is one in-flight bracketed call. End must be called exactly once; later calls are ignored.
type Operation struct {
	r         *Recorder
	ctx       context.Context
	span      trace.Span
	source    string
	name      string
	sc        domain.Context
	started   time.Time
	sessionID string
	once      sync.Once
}

// Start emits the start event and opens a span. The returned context carries the span.
func (r *Recorder) Start(ctx context.Context, source, operation string, sc domain.Context) (context.Context, *Operation) {
	if r == nil {
		return ctx, &Operation{}
	}
	ctx, span := r.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("session.source", source),
		attribute.String("session.tenant_id", sc.TenantID),
		attribute.String("session.service_id", sc.ServiceID),
	))
	op := &Operation{r: r, ctx: ctx, span: span, source: source, name: operation, sc: sc, started: r.now()}
	r.emit(ctx, op.event(PhaseStart, false, nil))
	return ctx, op
}

// SetSession attaches the session the operation acted on to its complete event.
func (o *Operation) SetSession(id string) {
	if o != nil {
		o.sessionID = id
	}
}

// End emits the complete event with success = (err == nil), records metrics, and ends the span.
// On error an audit entry is written asynchronously.
func (o *Operation) End(err error, details map[string]string) {
	if o == nil || o.r == nil {
		return
	}
	o.once.Do(func() { o.end(err, details) })
}

func (o *Operation) end(err error, details map[string]string) {
	r := o.r
	elapsed := r.now().Sub(o.started)
	kind := domain.Kind(err)

	d := maps.Clone(details)
	if d == nil {
		d = map[string]string{}
	}
	d["duration_ms"] = strconv.FormatInt(elapsed.Milliseconds(), 10)
	if err != nil {
		d["error_kind"] = kind
		d["error"] = err.Error()
	}
	r.emit(o.ctx, o.event(PhaseComplete, err == nil, d))

	attrs := metric.WithAttributes(
		attribute.String("operation", o.name),
		attribute.String("source", o.source),
		attribute.String("outcome", kind),
	)
	if r.duration != nil {
		r.duration.Record(o.ctx, elapsed.Seconds(), attrs)
	}
	if r.count != nil {
		r.count.Add(o.ctx, 1, attrs)
	}

	if o.sessionID != "" {
		o.span.SetAttributes(attribute.String("session.id", o.sessionID))
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, kind)
		meta := maps.Clone(d)
		meta["source"] = o.source
		if o.sessionID != "" {
			meta["session_id"] = o.sessionID
		}
		audit.LogEventAsync(r.auditor, o.ctx, o.sc.TenantID, o.sc.Actor(), o.name, "session", meta)
		r.logger.Debug().Err(err).Str("operation", o.name).Str("tenant_id", o.sc.TenantID).Msg("operation failed")
	}
	o.span.End()
}

func (o *Operation) event(phase Phase, success bool, details map[string]string) *Event {
	return &Event{
		Operation: o.name,
		Phase:     phase,
		Success:   success,
		TenantID:  o.sc.TenantID,
		ServiceID: o.sc.ServiceID,
		AgentID:   o.sc.AgentID,
		SessionID: o.sessionID,
		Source:    o.source,
		Details:   details,
		Timestamp: o.r.now(),
	}
}

func (r *Recorder) emit(ctx context.Context, e *Event) {
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.logger.Warn().Err(err).Str("operation", e.Operation).Str("phase", string(e.Phase)).Msg("emit failed")
	}
}
