// Package sinks implements the progress consumers: Prometheus collectors,
// audit-store persistence of step records, and structured logging. Each sink
// satisfies progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
