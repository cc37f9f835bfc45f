package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for borgmanager.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Statement metrics
	statements        *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	lockWait          *prometheus.HistogramVec

	// Record metrics
	upserts *prometheus.CounterVec

	// Ingest metrics
	ingests        *prometheus.CounterVec
	ingestDuration prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	openStores prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance: every recorder checks for nil collectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "statements_total",
				Help:      "Total number of SQL statements executed",
			},
			[]string{"table", "op", "status"},
		),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "statement_duration_seconds",
				Help:      "Duration of SQL statement execution in seconds",
				Buckets:   buckets,
			},
			[]string{"table", "op"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_lock_wait_seconds",
				Help:      "Time spent waiting for the connection lock in seconds",
				Buckets:   buckets,
			},
			[]string{"table"},
		),

		upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upserts_total",
				Help:      "Total number of record upserts by outcome",
			},
			[]string{"table", "outcome"},
		),

		ingests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingests_total",
				Help:      "Total number of borg reports ingested",
			},
			[]string{"status"},
		),
		ingestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Duration of a full report ingest in seconds",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of store errors by error class",
			},
			[]string{"class"},
		),

		openStores: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_stores",
				Help:      "Current number of open record stores",
			},
		),
	}

	registry.MustRegister(
		m.statements,
		m.statementDuration,
		m.lockWait,
		m.upserts,
		m.ingests,
		m.ingestDuration,
		m.errorsByClass,
		m.openStores,
	)

	return m, nil
}

// Statement Metrics

// RecordStatement records one executed statement with its status and duration.
func (m *Metrics) RecordStatement(table, op, status string, duration time.Duration) {
	if m == nil || m.statements == nil {
		return
	}
	m.statements.WithLabelValues(table, op, status).Inc()
	m.statementDuration.WithLabelValues(table, op).Observe(duration.Seconds())
}

// RecordLockWait records how long a statement waited for the connection lock.
func (m *Metrics) RecordLockWait(table string, wait time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.WithLabelValues(table).Observe(wait.Seconds())
}

// Record Metrics

// RecordUpsert records the outcome of an upsert ("inserted" or "existing").
func (m *Metrics) RecordUpsert(table, outcome string) {
	if m == nil || m.upserts == nil {
		return
	}
	m.upserts.WithLabelValues(table, outcome).Inc()
}

// Ingest Metrics

// RecordIngest records a finished ingest with its status and duration.
func (m *Metrics) RecordIngest(status string, duration time.Duration) {
	if m == nil || m.ingests == nil {
		return
	}
	m.ingests.WithLabelValues(status).Inc()
	m.ingestDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// System Metrics

// StoreOpened increments the open stores gauge.
func (m *Metrics) StoreOpened() {
	if m == nil || m.openStores == nil {
		return
	}
	m.openStores.Inc()
}

// StoreStopped decrements the open stores gauge.
func (m *Metrics) StoreStopped() {
	if m == nil || m.openStores == nil {
		return
	}
	m.openStores.Dec()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || m.registry == nil || addr == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	close(done)
	<-stopped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
