// Package progress provides the event primitives, batching hub, and emitter
// interfaces the dispatcher uses to report batch and item progress. Terminal
// item results travel the same path, which makes the hub the outbound stream
// of (item, result) pairs consumed by persistence and publishing sinks.
package progress
