package lowertransport

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// Dispatch is the single non-reentrant run loop (spec.md §4.7): it drains
// any timer callbacks that fired since the last call, classifies and
// routes every queued inbound network PDU, and — if there is no outgoing
// segmented send in progress — starts the next queued outbound message.
// Every public entry point (HandleNetworkPDUReceived, HandleNetworkPDUSent,
// SendUnsegmented, SendSegmented) calls this after touching the queues, so
// callers never need to call it directly.
func (lt *LowerTransport) Dispatch(ctx context.Context) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.drainReentry()
	lt.drainIngress(ctx)
	lt.drainEgress(ctx)
}

// drainIngress classifies and routes every network PDU queued since the
// last Dispatch (spec.md §4.7 step 1): unsegmented access and pass-through
// control messages go straight to the Upper Transport layer, which owns
// releasing them back to the Network layer's pool; a Segment
// Acknowledgment is consumed here; anything segmented goes to the
// reassembly engine. In every case but the pass-through one, this layer
// releases the inbound PDU itself once it has been copied or dropped.
func (lt *LowerTransport) drainIngress(ctx context.Context) {
	for {
		pdu, ok := lt.ingress.pop()
		if !ok {
			return
		}

		switch {
		case pdu.Segmented():
			lt.handleSegmented(ctx, pdu)
			lt.network.Release(pdu)

		case pdu.CTL() && pdu.ControlOpcode() == ackOpcode:
			lt.handleSegmentAck(ctx, pdu)
			lt.network.Release(pdu)

		default:
			// Unsegmented traffic arrives at most once per message, so the
			// raw-SEQ replay guard (spec.md §3 invariant, line 57) applies
			// here without the reordering caveat segmented traffic has.
			peer := lt.peers.Lookup(pdu.Src())
			if pdu.Seq() <= peer.Seq && peer.Seq != 0 {
				lt.metrics.segmentsDropped.WithLabelValues("replay").Inc()
				dlog.Tracef(ctx, "%s", wrapf(ErrReplay, "SEQ %d from %04x", pdu.Seq(), pdu.Src()))
				lt.network.Release(pdu)
				continue
			}
			peer.Seq = pdu.Seq()
			dlog.Tracef(ctx, "lowertransport: delivering unsegmented PDU from %04x upward", pdu.Src())
			lt.metrics.messagesUp.Inc()
			lt.upper.PDUReceived(ctx, pdu, StatusSuccess)
		}
	}
}

// drainEgress starts the next queued outbound message, if any, once there
// is no segmented send already in flight (spec.md §3 invariant: at most
// one active outgoing transport PDU). A plain network PDU is handed
// straight to the Network layer; a transport PDU kicks off segmentation
// and stops the loop, since beginSegmentedSend makes lt.outgoing non-nil.
func (lt *LowerTransport) drainEgress(ctx context.Context) {
	for lt.outgoing == nil {
		entry, ok := lt.egress.pop()
		if !ok {
			return
		}
		if entry.networkPDU != nil {
			lt.network.Send(ctx, entry.networkPDU)
			continue
		}
		lt.beginSegmentedSend(ctx, entry.transportPDU)
	}
}
