// Package promadapter implements obs.MetricHook using Prometheus counters
// and gauges, mirroring client/metrics_prometheus.go's structure: one
// CounterVec per event, a shared label key set, and tolerant
// re-registration against an already-populated registry.
package promadapter

import "github.com/prometheus/client_golang/prometheus"

const (
	labelReason = "reason"
)

// Options configures New.
type Options struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// Metrics implements obs.MetricHook backed by Prometheus.
type Metrics struct {
	recvPosted     *prometheus.CounterVec
	recvMatched    *prometheus.CounterVec
	recvTruncated  *prometheus.CounterVec
	recvCanceled   *prometheus.CounterVec
	sendPosted     *prometheus.CounterVec
	sendCompleted  *prometheus.CounterVec
	sendDropped    *prometheus.CounterVec
	oflowAllocated *prometheus.CounterVec
	oflowFreed     *prometheus.CounterVec
	rdzvStarted    *prometheus.CounterVec
	rdzvCompleted  *prometheus.CounterVec
	fcEntered      *prometheus.CounterVec
	fcResumed      *prometheus.CounterVec
	deferredOccup  *prometheus.GaugeVec
}

// New constructs a Metrics instance, registering every collector against
// opts.Registerer (defaulting to the global default registerer).
func New(opts Options) (*Metrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, extraLabels ...string) (*prometheus.CounterVec, error) {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, extraLabels)
		return registerCounterVec(reg, vec)
	}

	m := &Metrics{}
	var err error
	if m.recvPosted, err = counter("cx_recv_posted_total", "Receives posted"); err != nil {
		return nil, err
	}
	if m.recvMatched, err = counter("cx_recv_matched_total", "Receives matched"); err != nil {
		return nil, err
	}
	if m.recvTruncated, err = counter("cx_recv_truncated_total", "Receives completed truncated"); err != nil {
		return nil, err
	}
	if m.recvCanceled, err = counter("cx_recv_canceled_total", "Receives canceled"); err != nil {
		return nil, err
	}
	if m.sendPosted, err = counter("cx_send_posted_total", "Sends posted"); err != nil {
		return nil, err
	}
	if m.sendCompleted, err = counter("cx_send_completed_total", "Sends completed"); err != nil {
		return nil, err
	}
	if m.sendDropped, err = counter("cx_send_dropped_total", "Sends dropped by peer flow control"); err != nil {
		return nil, err
	}
	if m.oflowAllocated, err = counter("cx_overflow_buffer_allocated_total", "Overflow buffers allocated"); err != nil {
		return nil, err
	}
	if m.oflowFreed, err = counter("cx_overflow_buffer_freed_total", "Overflow buffers freed"); err != nil {
		return nil, err
	}
	if m.rdzvStarted, err = counter("cx_rendezvous_started_total", "Rendezvous sequences started"); err != nil {
		return nil, err
	}
	if m.rdzvCompleted, err = counter("cx_rendezvous_completed_total", "Rendezvous sequences completed"); err != nil {
		return nil, err
	}
	if m.fcEntered, err = counter("cx_flow_control_entered_total", "Flow-control entries", labelReason); err != nil {
		return nil, err
	}
	if m.fcResumed, err = counter("cx_flow_control_resumed_total", "Flow-control resumes"); err != nil {
		return nil, err
	}

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Subsystem:   opts.Subsystem,
		Name:        "cx_deferred_table_occupancy",
		Help:        "Live entries in the deferred-event table",
		ConstLabels: opts.ConstLabels,
	}, nil)
	err = reg.Register(gaugeVec)
	if err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				m.deferredOccup = existing
			} else {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else {
		m.deferredOccup = gaugeVec
	}

	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func (m *Metrics) ReceivePosted(map[string]string)    { m.recvPosted.WithLabelValues().Inc() }
func (m *Metrics) ReceiveMatched(map[string]string)   { m.recvMatched.WithLabelValues().Inc() }
func (m *Metrics) ReceiveTruncated(map[string]string) { m.recvTruncated.WithLabelValues().Inc() }
func (m *Metrics) ReceiveCanceled(map[string]string)  { m.recvCanceled.WithLabelValues().Inc() }
func (m *Metrics) SendPosted(map[string]string)       { m.sendPosted.WithLabelValues().Inc() }
func (m *Metrics) SendCompleted(map[string]string)    { m.sendCompleted.WithLabelValues().Inc() }
func (m *Metrics) SendDropped(map[string]string)      { m.sendDropped.WithLabelValues().Inc() }

func (m *Metrics) OverflowBufferAllocated(map[string]string) { m.oflowAllocated.WithLabelValues().Inc() }
func (m *Metrics) OverflowBufferFreed(map[string]string)     { m.oflowFreed.WithLabelValues().Inc() }
func (m *Metrics) RendezvousStarted(map[string]string)       { m.rdzvStarted.WithLabelValues().Inc() }
func (m *Metrics) RendezvousCompleted(map[string]string)     { m.rdzvCompleted.WithLabelValues().Inc() }

func (m *Metrics) FlowControlEntered(reason string, _ map[string]string) {
	m.fcEntered.WithLabelValues(reason).Inc()
}
func (m *Metrics) FlowControlResumed(map[string]string) { m.fcResumed.WithLabelValues().Inc() }

func (m *Metrics) DeferredTableOccupancy(n int, _ map[string]string) {
	m.deferredOccup.WithLabelValues().Set(float64(n))
}
