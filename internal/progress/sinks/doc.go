// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and operator reports through a notifier. Each sink
// satisfies progress.Sink and tolerates repeated Consume calls.
package sinks
