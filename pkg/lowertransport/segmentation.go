package lowertransport

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// isUnicastAddress reports whether dst falls in the unicast range
// (0x0001-0x7FFF); group and virtual addresses have bit 15 set.
func isUnicastAddress(dst uint16) bool {
	return dst != 0 && dst&0x8000 == 0
}

// beginSegmentedSend implements spec.md §4.4 step 1-2: compute the
// segmentation plan for t and become the single active outgoing
// transport PDU.
func (lt *LowerTransport) beginSegmentedSend(ctx context.Context, t *TransportPDU) {
	if lt.outgoing != nil {
		// drainEgress only calls this with lt.outgoing == nil; a
		// non-nil value here would mean the invariant in spec.md §3
		// broke somewhere upstream.
		dlog.Errorf(ctx, "%s", wrapf(ErrOutgoingBusy, "dropping new segmented send"))
		return
	}
	maxSeg := t.segmentSize()
	segN := (t.Len - 1) / maxSeg
	t.SegN = uint8(segN)
	t.BlockAck = completionMask(t.SegN)
	t.SegO = 0

	lt.outgoing = t
	lt.activeTransports++ // released when the Upper Transport layer returns t
	if isUnicastAddress(dstOf(t)) {
		lt.outgoingRetries = 0
	} else {
		lt.outgoingRetries = lt.cfg.GroupRetryLimit
	}
	if lt.outgoingSegment == nil {
		lt.outgoingSegment = &NetworkPDU{}
	}

	// This span only covers kicking off the first segment; the send
	// itself completes asynchronously across one or more
	// NETWORK_PDU_SENT callbacks and TX ack-timer retries.
	ctx, span := startSpan(ctx, "lowertransport.send_segmented")
	defer span.End()

	lt.sendNextSegment(ctx)
}

func dstOf(t *TransportPDU) uint16 {
	return be16(t.NetworkHeader[7:9])
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// sendNextSegment is the "Send next" step of spec.md §4.4: it skips
// already-acknowledged segments, builds and dispatches the next one, or
// — once seg_o has run past seg_n — decides whether this pass is done,
// retried (group/virtual), or simply waiting on the peer (unicast).
func (lt *LowerTransport) sendNextSegment(ctx context.Context) {
	t := lt.outgoing
	if t == nil {
		return
	}

	for t.SegO <= t.SegN && t.BlockAck&(1<<t.SegO) == 0 {
		t.SegO++
	}

	if t.SegO > t.SegN {
		lt.endSendPass(ctx)
		return
	}

	lt.buildOutgoingSegment(t)
	lt.metrics.segmentsTx.Inc()

	dst := dstOf(t)
	if isUnicastAddress(dst) {
		lt.scheduleTxAckTimer(ctx, dst, t.NetworkHeader[1]&0x7F)
	}

	lt.network.Send(ctx, lt.outgoingSegment)
}

// buildOutgoingSegment writes segment t.SegO into the reused
// outgoingSegment buffer (spec.md §4.4 step 4).
func (lt *LowerTransport) buildOutgoingSegment(t *TransportPDU) {
	maxSeg := t.segmentSize()
	start := int(t.SegO) * maxSeg
	end := start + maxSeg
	if end > t.Len {
		end = t.Len
	}
	payload := t.Data[start:end]

	body := make([]byte, 4+len(payload))
	body[0] = 0x80 | (t.AkfAid & 0x7F)
	szmic := !t.IsControl && t.TransMICLen == 8
	putSegmentHeader(body, segmentHeader{
		szmic:   szmic,
		seqZero: t.SeqZero,
		segO:    t.SegO,
		segN:    t.SegN,
	})
	copy(body[4:], payload)

	seg := lt.outgoingSegment
	seg.Header = t.NetworkHeader
	seg.Body = body
	seg.NetKeyIndex = t.NetKeyIndex
	seg.SetSeq(lt.seq.Next())
}

// scheduleTxAckTimer (re)starts the TX acknowledgment timer for the
// current outgoing message (spec.md §4.4 step 4): on expiry, resend
// whatever segments remain set in block_ack.
func (lt *LowerTransport) scheduleTxAckTimer(ctx context.Context, dst uint16, ttl byte) {
	t := lt.outgoing
	if t == nil {
		return
	}
	if t.ackTimer != nil {
		t.ackTimer.Cancel()
	}
	timeout := lt.cfg.txAckTimeout(ttl)
	generation := t
	t.ackTimer = lt.timer.Schedule(timeout, func() {
		lt.onTxAckTimerFired(ctx, generation)
	})
}

func (lt *LowerTransport) onTxAckTimerFired(ctx context.Context, t *TransportPDU) {
	if lt.outgoing != t {
		return // superseded or already completed/aborted
	}
	lt.metrics.txAckTimerFired.Inc()

	t.RetryCount++
	if t.RetryCount > lt.cfg.UnicastRetryLimit {
		dlog.Errorf(ctx, "lowertransport: unicast send to %04x exhausted %d retries, giving up",
			dstOf(t), lt.cfg.UnicastRetryLimit)
		lt.completeOutgoing(ctx, StatusSendFailed)
		return
	}
	dlog.Tracef(ctx, "lowertransport: TX ack timer fired for %04x, retry %d", dstOf(t), t.RetryCount)
	lt.metrics.retries.Inc()
	t.SegO = 0
	lt.sendNextSegment(ctx)
}

// endSendPass handles spec.md §4.4 step 5: what happens once a full pass
// over all segments has been made.
func (lt *LowerTransport) endSendPass(ctx context.Context) {
	t := lt.outgoing
	dst := dstOf(t)
	if isUnicastAddress(dst) {
		// Stop here; the ack timer or an incoming Segment
		// Acknowledgment drives what happens next.
		return
	}

	if lt.outgoingRetries == 0 {
		dlog.Debugf(ctx, "lowertransport: group/virtual send to %04x exhausted retries", dst)
		lt.completeOutgoing(ctx, StatusSendFailed)
		return
	}
	lt.outgoingRetries--
	t.SegO = 0
	lt.sendNextSegment(ctx)
}

// handleSegmentAck processes an inbound Segment Acknowledgment matching
// the active outgoing send (spec.md §4.4 "On Segment Acknowledgment
// received").
func (lt *LowerTransport) handleSegmentAck(ctx context.Context, pdu *NetworkPDU) {
	seqZero, blockAck, ok := parseAck(pdu.Body)
	if !ok {
		return
	}
	t := lt.outgoing
	if t == nil || t.SeqZero != seqZero || !isUnicastAddress(dstOf(t)) || dstOf(t) != pdu.Src() {
		// Not for the message we're currently sending.
		return
	}
	lt.metrics.acksReceived.Inc()

	if blockAck == 0 {
		dlog.Debugf(ctx, "lowertransport: peer %04x sent BlockAck=0, aborting send", pdu.Src())
		lt.completeOutgoing(ctx, StatusSendAbortByRemote)
		return
	}

	t.BlockAck &^= blockAck
	if t.BlockAck == 0 {
		lt.completeOutgoing(ctx, StatusSuccess)
		return
	}
	// Partial ack: restart the TX ack timer and resend whatever is
	// still outstanding, the same as an ack-timer-driven retry but
	// triggered early by the peer's response.
	t.SegO = 0
	lt.scheduleTxAckTimer(ctx, pdu.Src(), pdu.TTL())
	lt.sendNextSegment(ctx)
}

// completeOutgoing tears down the active outgoing send and reports
// status upward. DESIGN.md "Open Question decisions"/spec.md open question 3: success and
// remote-abort are surfaced with distinct statuses here, not funnelled
// through one helper the way the C source does.
func (lt *LowerTransport) completeOutgoing(ctx context.Context, status Status) {
	t := lt.outgoing
	if t == nil {
		return
	}
	if t.ackTimer != nil {
		t.ackTimer.Cancel()
	}
	lt.outgoing = nil
	lt.outgoingRetries = 0

	switch status {
	case StatusSuccess:
		lt.metrics.sendsCompleted.WithLabelValues("success").Inc()
	case StatusSendFailed:
		lt.metrics.sendsCompleted.WithLabelValues("failed").Inc()
	case StatusSendAbortByRemote:
		lt.metrics.sendsCompleted.WithLabelValues("aborted_by_remote").Inc()
	}
	lt.upper.PDUSent(ctx, t, status)
}

// onNetworkPDUSent routes a Network layer send-completion callback to
// either the active outgoing segment or, for unsegmented sends, directly
// to the Upper Transport PDU_SENT callback.
func (lt *LowerTransport) onNetworkPDUSent(ctx context.Context, pdu *NetworkPDU, ok bool) {
	if lt.outgoing != nil && pdu == lt.outgoingSegment {
		t := lt.outgoing
		if !ok {
			lt.completeOutgoing(ctx, StatusSendFailed)
			return
		}
		t.SegO++
		lt.sendNextSegment(ctx)
		return
	}

	status := StatusSuccess
	if !ok {
		status = StatusSendFailed
	}
	lt.upper.PDUSent(ctx, pdu, status)
}
