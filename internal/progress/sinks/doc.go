// Package sinks holds the progress consumers wired by the composition root: a
// zap-backed LogSink and a PrometheusSink that counts stage transitions.
package sinks
