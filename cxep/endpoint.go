// Package cxep is the thin public-facing glue that assembles the engine's
// receive and send contexts, the NIC collaborators, and the ambient
// observability stack into one endpoint handle, much as a libfabric
// binding's Dial assembles a fabric/domain/completion-queue/endpoint
// chain from discovered provider descriptors. Unlike that pattern, this
// package never discovers a provider: the caller supplies the nic
// collaborators (real or nic/sim) directly, since provider discovery is
// out of scope for the messaging core this module implements.
package cxep

import (
	"fmt"

	"github.com/rocketbitz/cxcore/config"
	"github.com/rocketbitz/cxcore/engine"
	"github.com/rocketbitz/cxcore/nic"
	"github.com/rocketbitz/cxcore/obs"
	"github.com/rocketbitz/cxcore/reqpool"
)

// Endpoint owns one receive context, one send context, and the shared NIC
// event queue both drain. It is the unit of construction and teardown an
// application holds, playing the role a libfabric RDM endpoint handle
// would in a real binding.
type Endpoint struct {
	opts config.Options
	self nic.ProcessAddr

	events nic.EventSource

	rxc *engine.RXC
	tx  *engine.TXC

	logger  obs.Logger
	slogger obs.StructuredLogger
	tracer  obs.Tracer
	metrics obs.MetricHook
}

// Collaborators bundles the NIC-side primitives an Endpoint is built on.
// A single nic/sim.Node satisfies every field; a real hardware binding
// might split them across distinct objects, which is why they are named
// individually rather than folded into one interface.
type Collaborators struct {
	CommandQueue    nic.CommandQueue
	Events          nic.EventSource
	AddressResolver nic.AddressResolver
	MemoryRegistrar nic.MemoryRegistrar
	Clock           nic.Clock
	CompletionSink  nic.CompletionSink
}

// Observability bundles the ambient logging/tracing/metrics adapters
//. Any field left nil falls back to the engine's
// no-op default, the same fallback client.Config leaves to its own
// Logger/Tracer/MetricHook fields.
type Observability struct {
	Logger           obs.Logger
	StructuredLogger obs.StructuredLogger
	Tracer           obs.Tracer
	Metrics          obs.MetricHook
}

// New constructs an Endpoint bound to the given collaborators, mirroring
// Dial's resource-acquisition order: validate options, build the receive
// context, build the send context, couple them, enable the receive side.
// Unlike Dial, there is no partial-resource cleanup path to unwind on
// failure, since RXC/TXC construction only validates opts and allocates
// in-process state; nothing external is acquired until Enable.
func New(opts config.Options, self nic.ProcessAddr, nc Collaborators, ob Observability) (*Endpoint, error) {
	rxc, err := engine.NewRXC(opts, self, nc.CompletionSink, nc.CommandQueue, nc.Events, nc.AddressResolver, nc.MemoryRegistrar, nc.Clock)
	if err != nil {
		return nil, fmt.Errorf("cxep: build receive context: %w", err)
	}
	tx, err := engine.NewTXC(opts, self, nc.CommandQueue, nc.Events, nc.AddressResolver, nc.MemoryRegistrar)
	if err != nil {
		return nil, fmt.Errorf("cxep: build send context: %w", err)
	}
	rxc.AttachTXC(tx)

	ep := &Endpoint{
		opts:    opts,
		self:    self,
		events:  nc.Events,
		rxc:     rxc,
		tx:      tx,
		logger:  ob.Logger,
		slogger: ob.StructuredLogger,
		tracer:  ob.Tracer,
		metrics: ob.Metrics,
	}
	rxc.SetObservability(ob.Logger, ob.StructuredLogger, ob.Tracer, ob.Metrics)
	tx.SetObservability(ob.Logger, ob.StructuredLogger, ob.Tracer, ob.Metrics)

	rxc.Enable()
	return ep, nil
}

// RXC exposes the underlying receive context for callers that need the
// full C3/C4/C5 surface (Post, Cancel, Peek) beyond this package's
// convenience wrappers.
func (e *Endpoint) RXC() *engine.RXC { return e.rxc }

// TXC exposes the underlying send context.
func (e *Endpoint) TXC() *engine.TXC { return e.tx }

// Send posts a message send through the endpoint's send context. See
// engine.TXC.Send for the parameter semantics.
func (e *Endpoint) Send(dest nic.ProcessAddr, destAddr uint64, buf []byte, tag uint64, tagged, inject bool, flags engine.Flags, ctx uint64, cq nic.CompletionSink, counter nic.Counter) (reqpool.ID, error) {
	return e.tx.Send(dest, destAddr, buf, tag, tagged, inject, flags, ctx, cq, counter)
}

// Post posts a receive through the endpoint's receive context. See
// engine.RXC.Post for the parameter semantics.
func (e *Endpoint) Post(buf []byte, tag, ignore uint64, src nic.ProcessAddr, anySource bool, flags engine.Flags, ctx uint64, cq nic.CompletionSink, counter nic.Counter) (reqpool.ID, error) {
	return e.rxc.Post(buf, tag, ignore, src, anySource, flags, ctx, cq, counter)
}

// Cancel attempts to unlink a previously posted receive.
func (e *Endpoint) Cancel(id reqpool.ID) error {
	return e.rxc.Cancel(id)
}

// Peek reports whether an unexpected send matching the selector is
// already queued, optionally claiming it for a following Post(FlagClaim).
func (e *Endpoint) Peek(tag, ignore uint64, src nic.ProcessAddr, anySource, claim bool) (bool, int, error) {
	return e.rxc.Peek(tag, ignore, src, anySource, claim)
}

// Progress drains up to max events from the shared NIC event queue and
// dispatches each into the receive or send context. It returns the
// number of events processed and, if the engine observed a condition
// serious enough to be fatal, the *engine.FatalError describing it —
// logged here (at error level through the StructuredLogger when one is
// configured, otherwise through Logger.Debugf) rather than aborting the
// process, since
// deciding whether to terminate is the caller's call to make, not this
// package's.
func (e *Endpoint) Progress(max int) (int, error) {
	n, err := engine.ProgressShared(e.rxc, e.tx, e.events, max)
	if err != nil {
		if fatal, ok := err.(*engine.FatalError); ok {
			e.logFatal(fatal)
		}
	}
	return n, err
}

// RequestReenable asks the NIC to transition the receive side back to
// hardware-managed matching once the application has drained its software
// backlog. Once the transition confirms, this endpoint sends a zero-length
// FC_NOTIFY control put to every peer its receive side recorded a drop for
// (requires config.Options.ReportSourceErrors), carrying the drop count;
// each peer's own send context reconciles that count and replays its
// queued sends automatically, acknowledging with FC_RESUME. No
// application-level coordination across the transport is required.
func (e *Endpoint) RequestReenable() error {
	return e.rxc.RequestReenable()
}

// DroppedPeers reports the remote addresses this endpoint's receive side
// dropped a send from while it was in flow control, clearing the tracking.
// Recovery itself no longer depends on this: RequestReenable notifies those
// peers over the wire on its own. This remains for diagnostics, and calling
// it before RequestReenable confirms discards the counts notifyDroppedPeers
// would otherwise have sent.
func (e *Endpoint) DroppedPeers() []nic.ProcessAddr {
	return e.rxc.DroppedPeers()
}

func (e *Endpoint) logFatal(err *engine.FatalError) {
	if e.slogger != nil {
		e.slogger.Errorw("cxcore endpoint fatal", "error", err, "reason", err.Reason.String())
		return
	}
	if e.logger != nil {
		e.logger.Debugf("cxcore endpoint fatal: %v", err)
	}
}
