// Package otelmetrics implements obs.MetricHook using OpenTelemetry
// counters and an async gauge, mirroring client/metrics_otel.go's
// structure: resolve a Meter, build one instrument per event, record with
// a background context and the shared attribute helper.
package otelmetrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options configures New.
type Options struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

// Metrics implements obs.MetricHook using OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	recvPosted     metric.Int64Counter
	recvMatched    metric.Int64Counter
	recvTruncated  metric.Int64Counter
	recvCanceled   metric.Int64Counter
	sendPosted     metric.Int64Counter
	sendCompleted  metric.Int64Counter
	sendDropped    metric.Int64Counter
	oflowAllocated metric.Int64Counter
	oflowFreed     metric.Int64Counter
	rdzvStarted    metric.Int64Counter
	rdzvCompleted  metric.Int64Counter
	fcEntered      metric.Int64Counter
	fcResumed      metric.Int64Counter
	deferredOccup  atomic.Int64
}

// New constructs a Metrics instance.
func New(opts Options) (*Metrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/cxcore/engine"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	m := &Metrics{meter: meter}
	var err error
	if m.recvPosted, err = meter.Int64Counter("cx.recv.posted"); err != nil {
		return nil, err
	}
	if m.recvMatched, err = meter.Int64Counter("cx.recv.matched"); err != nil {
		return nil, err
	}
	if m.recvTruncated, err = meter.Int64Counter("cx.recv.truncated"); err != nil {
		return nil, err
	}
	if m.recvCanceled, err = meter.Int64Counter("cx.recv.canceled"); err != nil {
		return nil, err
	}
	if m.sendPosted, err = meter.Int64Counter("cx.send.posted"); err != nil {
		return nil, err
	}
	if m.sendCompleted, err = meter.Int64Counter("cx.send.completed"); err != nil {
		return nil, err
	}
	if m.sendDropped, err = meter.Int64Counter("cx.send.dropped"); err != nil {
		return nil, err
	}
	if m.oflowAllocated, err = meter.Int64Counter("cx.overflow.allocated"); err != nil {
		return nil, err
	}
	if m.oflowFreed, err = meter.Int64Counter("cx.overflow.freed"); err != nil {
		return nil, err
	}
	if m.rdzvStarted, err = meter.Int64Counter("cx.rendezvous.started"); err != nil {
		return nil, err
	}
	if m.rdzvCompleted, err = meter.Int64Counter("cx.rendezvous.completed"); err != nil {
		return nil, err
	}
	if m.fcEntered, err = meter.Int64Counter("cx.flowcontrol.entered"); err != nil {
		return nil, err
	}
	if m.fcResumed, err = meter.Int64Counter("cx.flowcontrol.resumed"); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge("cx.deferred_table.occupancy",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.deferredOccup.Load())
			return nil
		})); err != nil {
		return nil, err
	}

	return m, nil
}

func attrs(m map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}

func (m *Metrics) ReceivePosted(a map[string]string) {
	m.recvPosted.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) ReceiveMatched(a map[string]string) {
	m.recvMatched.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) ReceiveTruncated(a map[string]string) {
	m.recvTruncated.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) ReceiveCanceled(a map[string]string) {
	m.recvCanceled.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) SendPosted(a map[string]string) {
	m.sendPosted.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) SendCompleted(a map[string]string) {
	m.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) SendDropped(a map[string]string) {
	m.sendDropped.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) OverflowBufferAllocated(a map[string]string) {
	m.oflowAllocated.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) OverflowBufferFreed(a map[string]string) {
	m.oflowFreed.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) RendezvousStarted(a map[string]string) {
	m.rdzvStarted.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) RendezvousCompleted(a map[string]string) {
	m.rdzvCompleted.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) FlowControlEntered(reason string, a map[string]string) {
	kvs := append(attrs(a), attribute.String("reason", reason))
	m.fcEntered.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}
func (m *Metrics) FlowControlResumed(a map[string]string) {
	m.fcResumed.Add(context.Background(), 1, metric.WithAttributes(attrs(a)...))
}
func (m *Metrics) DeferredTableOccupancy(n int, _ map[string]string) {
	m.deferredOccup.Store(int64(n))
}
