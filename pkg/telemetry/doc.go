// Package telemetry provides observability instrumentation for Conveyor.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) into a unified system for
// monitoring workflow runs.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "conveyor"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// The logger provides component-specific child loggers with automatic
// context propagation:
//
//	logger := tel.Logger.NewComponentLogger("scheduler")
//	logger = logger.WithRunID(runID).WithInstanceID(instanceID)
//	logger.Info("dispatching instance")
//
// Secret masking is built in: the Telemetry constructor creates a masking
// registry shared with the scheduler's secret resolution path, and every
// message is masked before emission. The registry's zerolog hook is the
// final guard; an event whose message still carries a raw secret value is
// discarded rather than written.
//
// # Tracing
//
// Spans cover runs, job instances, and steps:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, workflowName)
//	defer span.End()
//
// Supported exporters: stdout (development), none (testing).
//
// # Metrics
//
// Prometheus metrics track runs, job instances, steps, cache behavior,
// artifact uploads, and environment approvals, exposed over HTTP at
// /metrics (default :9090).
package telemetry
