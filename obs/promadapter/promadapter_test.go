package promadapter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(Options{Registerer: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.ReceivePosted(nil)
	m.ReceiveMatched(nil)
	m.ReceiveTruncated(nil)
	m.ReceiveCanceled(nil)
	m.SendPosted(nil)
	m.SendCompleted(nil)
	m.SendDropped(nil)
	m.OverflowBufferAllocated(nil)
	m.OverflowBufferFreed(nil)
	m.RendezvousStarted(nil)
	m.RendezvousCompleted(nil)
	m.FlowControlEntered("no_space", nil)
	m.FlowControlResumed(nil)
	m.DeferredTableOccupancy(3, nil)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"cx_recv_posted_total":               1,
		"cx_recv_matched_total":              1,
		"cx_recv_truncated_total":            1,
		"cx_recv_canceled_total":             1,
		"cx_send_posted_total":               1,
		"cx_send_completed_total":            1,
		"cx_send_dropped_total":              1,
		"cx_overflow_buffer_allocated_total": 1,
		"cx_overflow_buffer_freed_total":     1,
		"cx_rendezvous_started_total":        1,
		"cx_rendezvous_completed_total":      1,
		"cx_flow_control_entered_total":      1,
		"cx_flow_control_resumed_total":      1,
		"cx_deferred_table_occupancy":        3,
	}
	for name, want := range cases {
		if got := findValue(mfs, name); got != want {
			t.Errorf("metric %s = %v, want %v", name, got, want)
		}
	}
}

func TestNewToleratesDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(Options{Registerer: reg}); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(Options{Registerer: reg}); err != nil {
		t.Fatalf("second New against the same registry must reuse existing collectors: %v", err)
	}
}

func findValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				sum += g.GetValue()
			}
		}
		return sum
	}
	return 0
}
