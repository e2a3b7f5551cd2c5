// Package obs carries the ambient logging, metrics, and tracing
// interfaces the engine is instrumented against: small, single-purpose
// Logger/StructuredLogger/Tracer/MetricHook interfaces. Concrete adapters
// (zap, Prometheus, OpenTelemetry) live in the obs/* subpackages so the
// engine itself never imports a third-party logging or metrics library
// directly.
package obs

// Logger provides unstructured debug logging.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute is a single tracing attribute.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping multi-event sequences (rendezvous,
// flow-control cycles).
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle of one traced sequence.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures engine telemetry. Every method is a no-op-safe
// counter bump; implementations must tolerate nil attrs maps.
type MetricHook interface {
	ReceivePosted(attrs map[string]string)
	ReceiveMatched(attrs map[string]string)
	ReceiveTruncated(attrs map[string]string)
	ReceiveCanceled(attrs map[string]string)
	SendPosted(attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendDropped(attrs map[string]string)
	OverflowBufferAllocated(attrs map[string]string)
	OverflowBufferFreed(attrs map[string]string)
	RendezvousStarted(attrs map[string]string)
	RendezvousCompleted(attrs map[string]string)
	FlowControlEntered(reason string, attrs map[string]string)
	FlowControlResumed(attrs map[string]string)
	DeferredTableOccupancy(n int, attrs map[string]string)
}

// NopMetrics implements MetricHook as a no-op, used when the caller wires
// no metrics backend.
type NopMetrics struct{}

var _ MetricHook = NopMetrics{}

func (NopMetrics) ReceivePosted(map[string]string)           {}
func (NopMetrics) ReceiveMatched(map[string]string)          {}
func (NopMetrics) ReceiveTruncated(map[string]string)        {}
func (NopMetrics) ReceiveCanceled(map[string]string)         {}
func (NopMetrics) SendPosted(map[string]string)              {}
func (NopMetrics) SendCompleted(map[string]string)           {}
func (NopMetrics) SendDropped(map[string]string)             {}
func (NopMetrics) OverflowBufferAllocated(map[string]string) {}
func (NopMetrics) OverflowBufferFreed(map[string]string)     {}
func (NopMetrics) RendezvousStarted(map[string]string)       {}
func (NopMetrics) RendezvousCompleted(map[string]string)     {}
func (NopMetrics) FlowControlEntered(string, map[string]string) {}
func (NopMetrics) FlowControlResumed(map[string]string)      {}
func (NopMetrics) DeferredTableOccupancy(int, map[string]string) {}

// NopTracer implements Tracer as a no-op.
type NopTracer struct{}

var _ Tracer = NopTracer{}

func (NopTracer) StartSpan(string, ...TraceAttribute) Span { return nopSpan{} }

type nopSpan struct{}

func (nopSpan) End(error)                          {}
func (nopSpan) AddEvent(string, ...TraceAttribute) {}
func (nopSpan) RecordError(error)                  {}
