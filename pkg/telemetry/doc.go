// Package telemetry provides observability instrumentation for borgmanager.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus), and a small synchronous-or-buffered event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("catalog").Zerolog()
//	logger.Info().Msg("catalog opened")
//
// # Events
//
// Ingest and label events go to every subscriber. LogSubscriber writes them
// to a logger and JSONSubscriber to a stream; FilterByLevel limits either.
//
// # Metrics
//
// Metrics live on a private registry rather than the global one, so several
// instances can coexist in tests. Every recorder is safe to call on a nil
// *Metrics, which lets the record stores treat instrumentation as optional.
//
//	http.Handle("/metrics", tel.Metrics.Handler())
//
// Collected series:
//   - statements_total{table,op,status} and statement_duration_seconds{table,op}
//   - connection_lock_wait_seconds{table}
//   - upserts_total{table,outcome}
//   - ingests_total{status} and ingest_duration_seconds
//   - errors_by_class_total{class}
//   - open_stores
//
// # Tracing
//
// Supported exporters are "otlp" (gRPC), "stdout" and "none". A nil *Tracer,
// or one built with tracing disabled, hands out no-op spans.
package telemetry
