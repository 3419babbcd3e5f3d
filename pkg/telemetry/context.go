package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the observability bundle handed to the kernel through the
// context.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	logOut io.Closer
}

type telemetryKey struct{}

// NewTelemetry validates cfg and starts every component it enables.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logOut, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if cfg.HostName != "" {
		logger = logger.With().Str("host", cfg.HostName).Logger()
	}

	t := &Telemetry{Logger: logger, Config: cfg, logOut: logOut}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.HostName); err != nil {
		_ = logOut.Close()
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = logOut.Close()
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = logOut.Close()
		return nil, err
	}
	return t, nil
}

// WithContext stores t, and its logger for zerolog.Ctx, in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the bundle stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains the event bus, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.logOut.Close(),
	)
}

// InstrumentedContext is one traced kernel operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	Timer  *Timer
}

// StartOperation opens a span for operation. Without telemetry in ctx the
// operation is only timed.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Logger: *zerolog.Ctx(ctx), Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ic
	}

	ic.Ctx, ic.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	lc := tel.Logger.With().Str("operation", operation)
	if id := TraceID(ic.Ctx); id != "" {
		lc = lc.Str("trace_id", id)
	}
	ic.Logger = lc.Logger()
	return ic
}

// End closes the span with the outcome err.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		endSpan(ic.Span, err)
	}
}

// RecordDriverOperation runs fn as the driver call typeName.action. With
// telemetry in ctx the call gets a span and feeds the driver metrics.
func RecordDriverOperation(ctx context.Context, typeName, action string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartDriverSpan(ctx, typeName, action)
	timer := NewTimer()
	err := fn()
	endSpan(span, err)

	tel.Metrics.RecordDriverCall(typeName, action, timer.Duration())
	if err != nil {
		tel.Metrics.RecordDriverError(typeName, action)
	}
	return err
}
