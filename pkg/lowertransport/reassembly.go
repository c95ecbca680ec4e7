package lowertransport

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// seqAuthMask keeps the top 11 bits of a 24-bit SEQ (spec.md §4.3 step
// 2): seq_auth = (netSeq & 0xFFE000) | seq_zero.
const seqAuthMask = 0xFFE000

// reconstructSeqAuth rebuilds the 24-bit SeqAuth of a segmented
// message's first segment from the wire SEQ of the segment currently
// being processed and its 13-bit seq_zero, handling the wrap case
// spec.md §4.3 step 2 describes.
func reconstructSeqAuth(netSeq uint32, seqZero uint16) uint32 {
	seqAuth := (netSeq & seqAuthMask) | uint32(seqZero)
	if seqAuth > netSeq {
		seqAuth -= 0x2000
	}
	return seqAuth & seqMask
}

// handleSegmented implements the Reassembly Engine (spec.md §4.3) for
// one inbound segmented network PDU.
func (lt *LowerTransport) handleSegmented(ctx context.Context, pdu *NetworkPDU) {
	hdr := parseSegmentHeader(pdu.Body)
	peerAddr := pdu.Src()
	peer := lt.peers.Lookup(peerAddr)

	// Note: no raw-SEQ replay guard here. Segments of one message carry
	// SEQ = SeqAuth + seg_o and may arrive out of seg_o order (spec.md §8
	// scenario 2), so a lower SEQ arriving after a higher one is not
	// necessarily a replay. Freshness for a *new* message is judged by
	// SeqAuth in startReassembly; a segment of the currently-open message
	// is judged by whether its bit is already set in block_ack.
	switch {
	case peer.Transport != nil && peer.Transport.SeqZero == hdr.seqZero:
		lt.continueReassembly(ctx, peer, peerAddr, pdu, hdr)

	case peer.Transport != nil:
		// Different seq_zero while a reassembly is in progress: no
		// preemption, drop (spec.md §4.3 step 2 / §7).
		lt.metrics.segmentsDropped.WithLabelValues("busy").Inc()
		dlog.Tracef(ctx, "%s", wrapf(ErrReassemblyBusy, "peer %04x", peerAddr))

	case hdr.seqZero == peer.SeqZero && peer.BlockAck != 0:
		// Duplicate of the previously completed message: resend the
		// cached ACK, drop the segment (spec.md §4.3 step 2 / §7).
		lt.metrics.segmentsDropped.WithLabelValues("duplicate_completed").Inc()
		dlog.Tracef(ctx, "%s", wrapf(ErrDuplicateCompleted, "peer %04x seq_zero %d", peerAddr, hdr.seqZero))
		lt.sendAck(ctx, pdu.NetKeyIndex, pdu.TTL(), peerAddr, peer.SeqZero, peer.BlockAck)

	default:
		lt.startReassembly(ctx, peer, peerAddr, pdu, hdr)
	}

	if pdu.Seq() > peer.Seq {
		peer.Seq = pdu.Seq()
	}
}

// startReassembly reconstructs SeqAuth for the first observed segment of
// a (possibly new) message and, if it is fresher than the SeqAuth of the
// last message completed from this peer, allocates a transport PDU and
// attaches it. peer.SeqAuth itself only advances on completion.
func (lt *LowerTransport) startReassembly(ctx context.Context, peer *PeerContext, peerAddr uint16, pdu *NetworkPDU, hdr segmentHeader) {
	seqAuth := reconstructSeqAuth(pdu.Seq(), hdr.seqZero)
	if seqAuth <= peer.SeqAuth && peer.SeqAuth != 0 {
		lt.metrics.segmentsDropped.WithLabelValues("stale_seq_auth").Inc()
		dlog.Tracef(ctx, "%s", wrapf(ErrStaleSeqAuth, "SeqAuth %d (have %d) from %04x", seqAuth, peer.SeqAuth, peerAddr))
		return
	}

	t := lt.allocateTransportPDU()
	if t == nil {
		lt.metrics.segmentsDropped.WithLabelValues("pool_exhausted").Inc()
		dlog.Errorf(ctx, "%s", wrapf(ErrNoTransportPDU, "segment from %04x", peerAddr))
		return
	}

	t.NetworkHeader = pdu.Header
	putBE24(t.NetworkHeader[2:5], seqAuth)
	t.NetKeyIndex = pdu.NetKeyIndex
	t.SeqZero = hdr.seqZero
	t.IsControl = pdu.CTL()
	t.BlockAck = 0
	t.SegN = hdr.segN
	t.AkfAid = pdu.AkfAid()
	if hdr.szmic {
		t.TransMICLen = 8
	} else {
		t.TransMICLen = 4
	}
	maxSeg := t.segmentSize()
	t.Data = make([]byte, (int(hdr.segN)+1)*maxSeg)

	peer.SeqAuth = seqAuth
	peer.Transport = t

	lt.applySegment(ctx, peer, peerAddr, t, pdu, hdr)
}

// continueReassembly applies a segment to an already-attached
// reassembly.
func (lt *LowerTransport) continueReassembly(ctx context.Context, peer *PeerContext, peerAddr uint16, pdu *NetworkPDU, hdr segmentHeader) {
	t := peer.Transport
	if t.BlockAck&(1<<hdr.segO) != 0 {
		// Idempotence (spec.md §8): the same segment twice leaves
		// block_ack unchanged, no new work.
		lt.scheduleRxAckTimer(ctx, peerAddr, t, pdu.TTL())
		lt.scheduleIncompleteTimer(ctx, peerAddr, t)
		return
	}
	lt.applySegment(ctx, peer, peerAddr, t, pdu, hdr)
}

// applySegment copies one segment's payload into the reassembly buffer,
// updates block_ack, (re)starts both timers, and checks for completion
// (spec.md §4.3 steps 3-6).
func (lt *LowerTransport) applySegment(ctx context.Context, peer *PeerContext, peerAddr uint16, t *TransportPDU, pdu *NetworkPDU, hdr segmentHeader) {
	lt.metrics.segmentsRx.Inc()

	maxSeg := t.segmentSize()
	segmentPayload := pdu.Body[4:]
	offset := int(hdr.segO) * maxSeg
	n := copy(t.Data[offset:], segmentPayload)
	if hdr.segO == hdr.segN {
		t.Len = offset + n
	}
	t.BlockAck |= 1 << hdr.segO

	lt.scheduleRxAckTimer(ctx, peerAddr, t, pdu.TTL())
	lt.scheduleIncompleteTimer(ctx, peerAddr, t)

	mask := completionMask(hdr.segN)
	if t.BlockAck&mask != mask {
		return
	}

	// Completion (spec.md §4.3 step 6): cancel both timers, detach from
	// the peer, cache block_ack for duplicate-ack-on-resend handling,
	// ack immediately, then deliver upward.
	if t.ackTimer != nil {
		t.ackTimer.Cancel()
		t.ackTimerActive = false
	}
	if t.incompleteTimer != nil {
		t.incompleteTimer.Cancel()
	}
	t.Data = t.Data[:t.Len]
	t.MessageComplete = true
	peer.Transport = nil
	peer.SeqAuth = be24(t.NetworkHeader[2:5])
	peer.SeqZero = t.SeqZero
	peer.BlockAck = t.BlockAck

	lt.sendAck(ctx, t.NetKeyIndex, pdu.TTL(), peerAddr, t.SeqZero, t.BlockAck)

	lt.metrics.messagesUp.Inc()
	lt.upper.PDUReceived(ctx, t, StatusSuccess)
}
