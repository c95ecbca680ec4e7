// Package lowertransport implements the Lower Transport Layer of a
// Bluetooth Mesh node: reassembly of inbound segmented Upper Transport
// PDUs, segmentation and reliable delivery of outbound PDUs, Segment
// Acknowledgment generation/consumption, and pass-through of unsegmented
// access/control messages. See SPEC_FULL.md for the full design.
package lowertransport

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// LowerTransport is the single top-level instance holding every piece of
// state the C source kept as process globals (SPEC_FULL.md §5): the
// primary element address, the sequence allocator, the ingress/egress
// queues, the single active outgoing transport PDU, and the registered
// Upper Transport handler.
type LowerTransport struct {
	mu sync.Mutex

	cfg     Config
	network NetworkLayer
	upper   UpperTransport
	metrics *metrics

	peers *PeerRegistry
	seq   *SequenceAllocator

	ingress ingressQueue
	egress  egressQueue

	// outgoing is the single segmented send this layer may have in
	// flight at any moment (spec.md §3 invariant).
	outgoing         *TransportPDU
	outgoingRetries  int
	outgoingSegment  *NetworkPDU // pre-allocated, reused across segments
	activeTransports int         // bounded by cfg.TransportPDUPoolSize

	primaryElementAddress uint16

	timer Timer
	// reentry delivers timer callbacks back onto the goroutine that
	// calls Dispatch, preserving the single-threaded mutation model.
	reentry chan func()
	// wake nudges runLoopPump to drive a Dispatch pass when a timer fires
	// with no other traffic happening — the RX ack timer and the TX
	// ack-timeout retransmit both exist for exactly that situation, so
	// enqueueing onto reentry alone is not enough (spec.md §5: a timer
	// callback must "end by re-entering the dispatcher").
	wake chan struct{}
	stop chan struct{}

	initialized bool
}

// Option configures a LowerTransport at construction time.
type Option func(*LowerTransport)

// WithMetricsRegisterer registers this instance's Prometheus collectors
// against reg instead of a private per-instance registry. Pass
// prometheus.DefaultRegisterer to expose a single node's metrics on the
// process-wide /metrics endpoint. The collector names are fixed, so
// registering a second instance on the same Registerer panics.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(lt *LowerTransport) {
		lt.metrics = newMetrics(reg)
	}
}

// WithTimer overrides the Timer facility, e.g. with a manualTimer in
// tests.
func WithTimer(t Timer) Option {
	return func(lt *LowerTransport) {
		lt.timer = t
	}
}

// New constructs a LowerTransport bound to the given Network layer and
// Upper Transport callback. Init must still be called before use.
func New(network NetworkLayer, upper UpperTransport, cfg Config, opts ...Option) *LowerTransport {
	lt := &LowerTransport{
		cfg:     cfg,
		network: network,
		upper:   upper,
		reentry: make(chan func(), 64),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lt)
	}
	if lt.metrics == nil {
		// A fresh registry per instance, not prometheus.DefaultRegisterer:
		// the latter is a process-wide singleton, and MustRegister panics
		// on the second instance's duplicate collector names. Callers that
		// want these collectors on the process's default /metrics endpoint
		// opt in explicitly via WithMetricsRegisterer.
		lt.metrics = newMetrics(prometheus.NewRegistry())
	}
	usingDefaultTimer := lt.timer == nil
	if usingDefaultTimer {
		lt.timer = newRunLoopTimer(lt.postToRunLoop)
	}
	lt.peers = NewPeerRegistry(cfg.PeerRegistryCapacity)
	lt.seq = NewSequenceAllocator(0)
	if usingDefaultTimer {
		// A manualTimer (tests) never calls postToRunLoop, so it never
		// sends on wake; the pump would just sit idle. Only the
		// production runLoopTimer needs a goroutine to drive Dispatch on
		// its behalf.
		go lt.runLoopPump()
	}
	return lt
}

// runLoopPump is the only thing that drives Dispatch purely on behalf of
// a fired timer: the four public entry points already call Dispatch
// after touching their own queues, but the RX ack timer and the TX
// ack-timeout retransmit are meant to fire while the layer is otherwise
// idle (peer gone quiet, no other traffic to piggyback a Dispatch call
// on). Without this goroutine, postToRunLoop's enqueue onto reentry would
// sit there until some unrelated network event happened to call
// Dispatch, which is not "re-entering the dispatcher" (spec.md §5).
func (lt *LowerTransport) runLoopPump() {
	ctx := context.Background()
	for {
		select {
		case <-lt.stop:
			return
		case <-lt.wake:
			lt.Dispatch(ctx)
		}
	}
}

// Close stops this instance's background run-loop pump. Safe to call at
// most once; only needed when the default production Timer is in use.
func (lt *LowerTransport) Close() {
	select {
	case <-lt.stop:
	default:
		close(lt.stop)
	}
}

// postToRunLoop is handed to the production Timer so that every fired
// callback re-enters the dispatcher instead of mutating state directly
// from a timer goroutine (spec.md §5). Callbacks never lock lt.mu
// themselves: the normal path runs them from drainReentry, which Dispatch
// calls with lt.mu already held, so the fallback below takes the lock
// itself rather than relying on the callback to. The wake signal after a
// successful enqueue is what gets runLoopPump to actually call Dispatch;
// without it the callback would just sit in reentry until unrelated
// traffic happened to trigger a Dispatch call.
func (lt *LowerTransport) postToRunLoop(fn func()) {
	select {
	case lt.reentry <- fn:
	default:
		// Reentry channel is saturated; run inline rather than drop a
		// timer callback outright. This can only happen under
		// pathological load since Dispatch drains it every cycle.
		lt.mu.Lock()
		fn()
		lt.mu.Unlock()
		return
	}
	select {
	case lt.wake <- struct{}{}:
	default:
		// A wake is already pending; runLoopPump will still drain
		// everything currently in reentry on its next Dispatch pass.
	}
}

// Init prepares the layer for use. SetPrimaryElementAddress may be
// called before or after Init.
func (lt *LowerTransport) Init(ctx context.Context) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.initialized {
		dlog.Warnf(ctx, "lowertransport: Init called more than once, reinitializing")
	}
	lt.peers.Reset()
	lt.ingress = ingressQueue{}
	lt.egress = egressQueue{}
	lt.outgoing = nil
	lt.outgoingRetries = 0
	lt.activeTransports = 0
	lt.initialized = true
	dlog.Debug(ctx, "lowertransport: initialized")
	return nil
}

// Reset tears down all in-flight state: cancels every pending timer,
// drops the active reassemblies and the active outgoing send, and
// drains both queues. None of these steps can fail, so it always
// returns nil.
func (lt *LowerTransport) Reset(ctx context.Context) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	abandoned := lt.peers.Reset()
	if abandoned > 0 {
		dlog.Debugf(ctx, "lowertransport: reset abandoned %d in-flight reassemblies", abandoned)
	}

	if lt.outgoing != nil {
		if lt.outgoing.ackTimer != nil {
			lt.outgoing.ackTimer.Cancel()
		}
		lt.outgoing = nil
	}

	for {
		if _, ok := lt.ingress.pop(); !ok {
			break
		}
	}
	for {
		if _, ok := lt.egress.pop(); !ok {
			break
		}
	}

	lt.activeTransports = 0
	return nil
}

// SelfCheck verifies the invariants spec.md §8 asks implementations to
// uphold and returns every violation found, aggregated with
// go-multierror rather than stopping at the first one — useful for the
// cmd/meshltctl harness and for tests that want a single assertion
// covering "is this instance internally consistent".
func (lt *LowerTransport) SelfCheck() error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	var result *multierror.Error
	for _, p := range lt.peers.Snapshot() {
		if t := p.Transport; t != nil && t.MessageComplete {
			result = multierror.Append(result, errors.Errorf(
				"peer %04x: reassembly marked complete but still attached to the peer", p.Address))
		}
	}
	if lt.activeTransports < 0 {
		result = multierror.Append(result, errors.New("active transport PDU count went negative"))
	}
	if lt.activeTransports > lt.cfg.TransportPDUPoolSize {
		result = multierror.Append(result, errors.Errorf(
			"active transport PDU count %d exceeds pool size %d", lt.activeTransports, lt.cfg.TransportPDUPoolSize))
	}
	return result.ErrorOrNil()
}

// DumpState is a serializable snapshot of a LowerTransport, rendered by
// Dump() and the cmd/meshltctl CLI harness.
type DumpState struct {
	PrimaryElementAddress uint16       `yaml:"primary_element_address"`
	NextSeq               uint32       `yaml:"next_seq"`
	IngressQueueLen       int          `yaml:"ingress_queue_len"`
	EgressQueueLen        int          `yaml:"egress_queue_len"`
	OutgoingActive        bool         `yaml:"outgoing_active"`
	Peers                 []PeerDump   `yaml:"peers"`
}

// PeerDump is one peer context rendered for Dump().
type PeerDump struct {
	Address          uint16 `yaml:"address"`
	XID              string `yaml:"xid"`
	Seq              uint32 `yaml:"seq"`
	SeqAuth          uint32 `yaml:"seq_auth"`
	SeqZero          uint16 `yaml:"seq_zero"`
	BlockAck         uint32 `yaml:"block_ack"`
	ReassemblyActive bool   `yaml:"reassembly_active"`
}

// Dump renders a point-in-time snapshot of this layer's state, the Go
// equivalent of the C source's debug dump routine.
func (lt *LowerTransport) Dump(ctx context.Context) DumpState {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	peers := lt.peers.Snapshot()
	pd := make([]PeerDump, 0, len(peers))
	for _, p := range peers {
		pd = append(pd, PeerDump{
			Address:          p.Address,
			XID:              p.XID.String(),
			Seq:              p.Seq,
			SeqAuth:          p.SeqAuth,
			SeqZero:          p.SeqZero,
			BlockAck:         p.BlockAck,
			ReassemblyActive: p.Transport != nil,
		})
	}
	return DumpState{
		PrimaryElementAddress: lt.primaryElementAddress,
		NextSeq:               lt.seq.Peek(),
		IngressQueueLen:       lt.ingress.len(),
		EgressQueueLen:        lt.egress.len(),
		OutgoingActive:        lt.outgoing != nil,
		Peers:                 pd,
	}
}

// SetPrimaryElementAddress sets the unicast source address used as SRC
// for emitted ACKs (spec.md §4.5).
func (lt *LowerTransport) SetPrimaryElementAddress(addr uint16) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.primaryElementAddress = addr
}

// PeekSeq returns the next sequence number that would be allocated,
// without consuming it — used by a host to persist sequence state.
func (lt *LowerTransport) PeekSeq() uint32 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.seq.Peek()
}

// SetSeq restores a previously persisted sequence number.
func (lt *LowerTransport) SetSeq(v uint32) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.seq.Set(v)
}

// HandleNetworkPDUReceived is the Network layer's inbound callback
// (spec.md §6 RECEIVED). The PDU is enqueued for processing on the next
// Dispatch call; message_processed_by_higher_layer is invoked once the
// dispatcher has classified and routed it.
func (lt *LowerTransport) HandleNetworkPDUReceived(ctx context.Context, pdu *NetworkPDU) {
	lt.mu.Lock()
	lt.ingress.push(pdu)
	lt.mu.Unlock()
	lt.Dispatch(ctx)
}

// HandleNetworkPDUSent is the Network layer's outbound completion
// callback (spec.md §6 SENT).
func (lt *LowerTransport) HandleNetworkPDUSent(ctx context.Context, pdu *NetworkPDU, ok bool) {
	lt.mu.Lock()
	lt.onNetworkPDUSent(ctx, pdu, ok)
	lt.mu.Unlock()
	lt.Dispatch(ctx)
}

// SendUnsegmented queues an already-complete network PDU for
// unsegmented transmission (spec.md §4.6 TX).
func (lt *LowerTransport) SendUnsegmented(ctx context.Context, pdu *NetworkPDU) {
	lt.mu.Lock()
	lt.egress.pushNetworkPDU(pdu)
	lt.mu.Unlock()
	lt.Dispatch(ctx)
}

// SendSegmented queues an outbound transport PDU for segmentation and
// reliable delivery (spec.md §4.4).
func (lt *LowerTransport) SendSegmented(ctx context.Context, pdu *TransportPDU) {
	lt.mu.Lock()
	lt.egress.pushTransportPDU(pdu)
	lt.mu.Unlock()
	lt.Dispatch(ctx)
}

// messageProcessedByHigherLayer returns ownership of pdu to its pool: a
// NetworkPDU goes back to the Network layer's pool, a TransportPDU is
// released from the active-transport-PDU budget (spec.md §6).
func (lt *LowerTransport) messageProcessedByHigherLayer(pdu any) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	switch p := pdu.(type) {
	case *TransportPDU:
		if lt.activeTransports > 0 {
			lt.activeTransports--
		}
	case *NetworkPDU:
		lt.network.Release(p)
	}
}

// MessageProcessedByHigherLayer is the exported form of
// messageProcessedByHigherLayer, called by the Upper Transport layer
// once it is done with a delivered or sent PDU (spec.md §6).
func (lt *LowerTransport) MessageProcessedByHigherLayer(pdu any) {
	lt.messageProcessedByHigherLayer(pdu)
}

// allocateTransportPDU enforces the bounded transport PDU pool
// (SPEC_FULL.md §9.4): returns nil, incrementing the pool-exhaustion
// counter, once cfg.TransportPDUPoolSize concurrent transport PDUs are
// already outstanding.
func (lt *LowerTransport) allocateTransportPDU() *TransportPDU {
	if lt.activeTransports >= lt.cfg.TransportPDUPoolSize {
		lt.metrics.poolExhausted.Inc()
		return nil
	}
	lt.activeTransports++
	return newTransportPDU()
}

func (lt *LowerTransport) releaseTransportPDU() {
	if lt.activeTransports > 0 {
		lt.activeTransports--
	}
}

// scheduleRxAckTimer starts (or, if already running, leaves alone) the
// RX acknowledgment timer for t (spec.md §4.3 step 3).
func (lt *LowerTransport) scheduleRxAckTimer(ctx context.Context, peerAddr uint16, t *TransportPDU, ttl byte) {
	if t.ackTimerActive {
		return
	}
	t.ackTimerActive = true
	timeout := lt.cfg.rxAckTimeout(ttl)
	t.ackTimer = lt.timer.Schedule(timeout, func() {
		lt.onRxAckTimerFired(ctx, peerAddr, t)
	})
}

func (lt *LowerTransport) onRxAckTimerFired(ctx context.Context, peerAddr uint16, t *TransportPDU) {
	t.ackTimerActive = false
	peer := lt.peers.Lookup(peerAddr)
	if peer.Transport != t {
		// The reassembly already completed or was abandoned.
		return
	}
	lt.metrics.rxAckTimerFired.Inc()
	dlog.Tracef(ctx, "lowertransport: RX ack timer fired for peer %04x seq_zero %d", peerAddr, t.SeqZero)
	lt.sendAck(ctx, t.NetKeyIndex, t.NetworkHeader[1]&0x7F, peerAddr, t.SeqZero, t.BlockAck)
}

// scheduleIncompleteTimer (re)starts the 10-second incomplete timer for
// t (spec.md §4.3 step 4); every fresh segment restarts it.
func (lt *LowerTransport) scheduleIncompleteTimer(ctx context.Context, peerAddr uint16, t *TransportPDU) {
	if t.incompleteTimer != nil {
		t.incompleteTimer.Cancel()
	}
	t.incompleteTimer = lt.timer.Schedule(lt.cfg.incompleteTimeout(), func() {
		lt.onIncompleteTimerFired(ctx, peerAddr, t)
	})
}

func (lt *LowerTransport) onIncompleteTimerFired(ctx context.Context, peerAddr uint16, t *TransportPDU) {
	peer := lt.peers.Lookup(peerAddr)
	if peer.Transport != t {
		return
	}
	lt.metrics.incompleteFired.Inc()
	dlog.Debugf(ctx, "lowertransport: incomplete timer expired for peer %04x seq_zero %d, giving up", peerAddr, t.SeqZero)
	if t.ackTimer != nil {
		t.ackTimer.Cancel()
	}
	peer.Transport = nil
	// Deliberately do not advance peer.SeqAuth: spec.md §9 open question
	// 4 / DESIGN.md "Open Question decisions" — a later retransmission of
	// the same message is accepted as new, since completion never happened.
	lt.releaseTransportPDU()
}

// drainReentry runs every timer callback queued since the last Dispatch,
// without blocking.
func (lt *LowerTransport) drainReentry() {
	for {
		select {
		case fn := <-lt.reentry:
			fn()
		default:
			return
		}
	}
}

// now returns the current wall-clock time. Nothing in this package,
// production code or tests, calls it.
func now() time.Time { return time.Now() }
