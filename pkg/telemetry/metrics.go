package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors of the host manager. A disabled
// instance is safe to use; every method becomes a no-op.
type Metrics struct {
	config MetricsConfig

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	records   *prometheus.GaugeVec
	poolInUse *prometheus.GaugeVec
	reaped    prometheus.Counter
	denials   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "operations_total",
				Help:      "Kernel operations by record kind, type, operation and result",
			},
			[]string{"kind", "type", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "operation_duration_seconds",
				Help:      "Duration of kernel operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "driver_calls_total",
				Help:      "Total number of driver calls",
			},
			[]string{"type", "action"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "action"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "driver_errors_total",
				Help:      "Total number of failed driver calls",
			},
			[]string{"type", "action"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_by_kind_total",
				Help:      "Errors returned to callers by error kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_by_code_total",
				Help:      "Errors returned to callers by error code",
			},
			[]string{"code"},
		),
		records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "records",
				Help:      "Current number of records by kind, type and state",
			},
			[]string{"kind", "type", "state"},
		),
		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "pool_in_use",
				Help:      "Resources checked out of the host pools",
			},
			[]string{"resource"},
		),
		reaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "reaped_elements_total",
				Help:      "Elements removed after their timeout expired",
			},
		),
		denials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "admission_denials_total",
				Help:      "Requests denied by admission policies",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.errorsByKind,
		m.errorsByCode,
		m.records,
		m.poolInUse,
		m.reaped,
		m.denials,
	)

	return m, nil
}

// RecordOperation records a finished kernel operation.
func (m *Metrics) RecordOperation(kind, typeName, operation, status string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(kind, typeName, operation, status).Inc()
	m.operationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordDriverCall records a driver call with its duration.
func (m *Metrics) RecordDriverCall(typeName, action string, duration time.Duration) {
	if m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(typeName, action).Inc()
	m.driverDuration.WithLabelValues(typeName, action).Observe(duration.Seconds())
}

// RecordDriverError records a failed driver call.
func (m *Metrics) RecordDriverError(typeName, action string) {
	if m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(typeName, action).Inc()
}

// RecordError records an error returned to a caller.
func (m *Metrics) RecordError(kind, code string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// ResetRecords clears the record gauge before a full recount.
func (m *Metrics) ResetRecords() {
	if m.records == nil {
		return
	}
	m.records.Reset()
}

// SetRecordCount sets the number of records of a type in a state.
func (m *Metrics) SetRecordCount(kind, typeName, state string, count float64) {
	if m.records == nil {
		return
	}
	m.records.WithLabelValues(kind, typeName, state).Set(count)
}

// SetPoolInUse sets the number of checked out resources of a pool.
func (m *Metrics) SetPoolInUse(resource string, count float64) {
	if m.poolInUse == nil {
		return
	}
	m.poolInUse.WithLabelValues(resource).Set(count)
}

// RecordReaped counts an element removed by the reaper.
func (m *Metrics) RecordReaped() {
	if m.reaped == nil {
		return
	}
	m.reaped.Inc()
}

// RecordDenial counts an admission denial.
func (m *Metrics) RecordDenial(operation string) {
	if m.denials == nil {
		return
	}
	m.denials.WithLabelValues(operation).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns the HTTP handler of the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves metrics in the background and returns the server
// so callers can shut it down. It returns nil when there is nothing to serve.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return server
}
