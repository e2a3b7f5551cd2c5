// Package engine implements the receive-side and send-side messaging
// core: event demultiplexing, deferred-event
// pairing, the receive request engine, the overflow buffer pool, the
// rendezvous coordinator, the send engine, and the flow-control
// subsystem. Every exported entry point is guarded by the owning
// context's mutex: callbacks never suspend, and any operation
// that cannot complete returns ErrTryLater for the caller to re-drive.
package engine

import (
	"sync"

	"github.com/rocketbitz/cxcore/config"
	"github.com/rocketbitz/cxcore/matchbits"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

// RXCState is the receive-endpoint state machine.
type RXCState int

const (
	StateDisabled RXCState = iota
	StateEnabled
	StateEnabledSoftware
	StatePendingDisable
	StatePendingSoftwareManaged
	StatePendingHardware
	StateOnloadFlowControl
	StateOnloadFlowControlReenable
	StateFlowControl
)

func (s RXCState) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateEnabled:
		return "ENABLED"
	case StateEnabledSoftware:
		return "ENABLED_SOFTWARE"
	case StatePendingDisable:
		return "PENDING_PTLTE_DISABLE"
	case StatePendingSoftwareManaged:
		return "PENDING_PTLTE_SOFTWARE_MANAGED"
	case StatePendingHardware:
		return "PENDING_PTLTE_HARDWARE"
	case StateOnloadFlowControl:
		return "ONLOAD_FLOW_CONTROL"
	case StateOnloadFlowControlReenable:
		return "ONLOAD_FLOW_CONTROL_REENABLE"
	case StateFlowControl:
		return "FLOW_CONTROL"
	default:
		return "UNKNOWN"
	}
}

// RXC is the receive context: the sole aggregate, all mutation goes
// through its lock. It owns C2, C3, C4, C5, and the receiver side of C7.
type RXC struct {
	mu sync.Mutex

	opts   config.Options
	cq     nic.CompletionSink
	cmdq   nic.CommandQueue
	events nic.EventSource
	addr   nic.AddressResolver
	mem    nic.MemoryRegistrar
	clock  nic.Clock

	logger  obs.Logger
	slogger obs.StructuredLogger
	tracer  obs.Tracer
	metrics obs.MetricHook

	self nic.ProcessAddr

	pool     *reqpool.Pool[Request]
	deferred *deferredTable
	overflow *overflowPool

	// software-managed bookkeeping
	swUXList    []*unexpectedSendRecord
	swRecvQueue []reqpool.ID // FIFO, appended when endpoint is software-managed

	state     RXCState
	prevState RXCState
	newState  RXCState
	dropCount int
	msgOffload bool
	fcReason  nic.DisableReason

	fcDrops map[nic.ProcessAddr]*fcDrops // receiver-side per-source drop counters
	fcSpan  obs.Span                     // traces one disable/onload/reenable cycle

	postedRecvCount     int
	unexpectedHdrCount  int
	lePoolUsage         int // synthetic LE-pool usage counter for hybrid preemption
	lePoolReservation   int

	rendezvousPullsInFlight int

	txID uint16 // dense tx_id allocator for match-complete notifications

	tx *TXC // sibling send engine, needed for done-notify/replay coupling

	instanceTag obs.InstanceTag
}

// NewRXC constructs a receive context bound to the given collaborators.
func NewRXC(opts config.Options, self nic.ProcessAddr, cq nic.CompletionSink, cmdq nic.CommandQueue, events nic.EventSource, addr nic.AddressResolver, mem nic.MemoryRegistrar, clock nic.Clock) (*RXC, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	rxc := &RXC{
		opts:     opts,
		cq:       cq,
		cmdq:     cmdq,
		events:   events,
		addr:     addr,
		mem:      mem,
		clock:    clock,
		self:     self,
		pool:     reqpool.New[Request](),
		deferred: newDeferredTable(),
		overflow: newOverflowPool(opts.OverflowBufSize, opts.OverflowBufMinPosted, opts.OverflowBufMaxCached),
		fcDrops:  make(map[nic.ProcessAddr]*fcDrops),
		state:    StateDisabled,
		msgOffload: opts.MsgOffload,
		dropCount: opts.InitialDropCount(),
		logger:   noopLogger{},
		slogger:  noopStructuredLogger{},
		tracer:   obs.NopTracer{},
		metrics:  obs.NopMetrics{},
		instanceTag: obs.NewInstanceTag(),
	}
	return rxc, nil
}

// SetObservability wires logging/tracing/metrics adapters.
func (r *RXC) SetObservability(logger obs.Logger, slogger obs.StructuredLogger, tracer obs.Tracer, metrics obs.MetricHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger != nil {
		r.logger = logger
	}
	if slogger != nil {
		r.slogger = slogger
	}
	if tracer != nil {
		r.tracer = tracer
	}
	if metrics != nil {
		r.metrics = metrics
	}
}

// AttachTXC couples the sibling send engine so the receive side can route
// done-notify acks and replay coordination.
func (r *RXC) AttachTXC(tx *TXC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tx = tx
}

// Enable transitions DISABLED -> ENABLED (or ENABLED_SOFTWARE, depending
// on configured RX_MATCH_MODE).
func (r *RXC) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.RXMatchMode == config.MatchModeSoftware {
		r.state = StateEnabledSoftware
	} else {
		r.state = StateEnabled
	}
}

func (r *RXC) allocTxID() uint16 {
	id := r.txID
	r.txID++
	if r.txID >= (1 << matchbits.TxIDBits) {
		r.txID = 0
	}
	return id
}

func (r *RXC) logDebug(event string, kv ...any) {
	full := append([]any{"event", event, "instance", r.instanceTag.String()}, kv...)
	r.slogger.Debugw("cxcore rxc", full...)
}

func (r *RXC) logWarn(event string, kv ...any) {
	full := append([]any{"event", event, "instance", r.instanceTag.String()}, kv...)
	r.slogger.Warnw("cxcore rxc", full...)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}

type noopStructuredLogger struct{}

func (noopStructuredLogger) Debugw(string, ...any) {}
func (noopStructuredLogger) Warnw(string, ...any)  {}
func (noopStructuredLogger) Errorw(string, ...any) {}
