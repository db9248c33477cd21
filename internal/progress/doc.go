// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the orchestrator and download workers use to report harvest
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus, structured logs, or the operators'
// Telegram chat.
package progress
