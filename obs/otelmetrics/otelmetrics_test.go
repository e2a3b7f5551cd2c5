package otelmetrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := New(Options{MeterProvider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attrs := map[string]string{"tagged": "true"}
	metrics.ReceivePosted(attrs)
	metrics.ReceiveMatched(attrs)
	metrics.ReceiveTruncated(attrs)
	metrics.ReceiveCanceled(attrs)
	metrics.SendPosted(attrs)
	metrics.SendCompleted(attrs)
	metrics.SendDropped(attrs)
	metrics.OverflowBufferAllocated(attrs)
	metrics.OverflowBufferFreed(attrs)
	metrics.RendezvousStarted(attrs)
	metrics.RendezvousCompleted(attrs)
	metrics.FlowControlEntered("no_space", attrs)
	metrics.FlowControlResumed(attrs)
	metrics.DeferredTableOccupancy(2, attrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	counterCases := map[string]float64{
		"cx.recv.posted":          1,
		"cx.recv.matched":         1,
		"cx.recv.truncated":       1,
		"cx.recv.canceled":        1,
		"cx.send.posted":          1,
		"cx.send.completed":       1,
		"cx.send.dropped":         1,
		"cx.overflow.allocated":   1,
		"cx.overflow.freed":       1,
		"cx.rendezvous.started":   1,
		"cx.rendezvous.completed": 1,
		"cx.flowcontrol.entered":  1,
		"cx.flowcontrol.resumed":  1,
	}
	for name, want := range counterCases {
		if got := counterValue(rm, name); got != want {
			t.Errorf("counter %s = %v, want %v", name, got, want)
		}
	}

	if got := gaugeValue(rm, "cx.deferred_table.occupancy"); got != 2 {
		t.Errorf("gauge cx.deferred_table.occupancy = %v, want 2", got)
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func counterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func gaugeValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Gauge[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
