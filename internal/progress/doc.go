// Package progress provides the event primitives, non-blocking hub and
// emitter interface the ingestion pipeline uses to report run and step
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus, the audit store or the log.
package progress
