// Package telemetry provides the observability stack of the modvault server.
//
// It combines structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics served from a private registry, and an in-process event
// publisher that fans run status changes and policy evaluations out to subscribers.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Core components take a zerolog.Logger obtained from tel.Logger.Zerolog() and
// derive a component field from it. Metrics and EventPublisher are safe to use
// through a nil pointer, which records nothing.
package telemetry
