// Package progress is the observability side channel of the pipeline. The
// scanner and the workers emit one Event per state transition and per
// isolated item failure; a non-blocking Hub batches them and fans them out to
// sinks (structured logs, Prometheus counters).
package progress
