package lowertransport

import (
	"context"
	"encoding/binary"

	"github.com/datawire/dlib/dlog"
)

// ackOpcode is the unsegmented control opcode identifying a Segment
// Acknowledgment (spec.md §4.5/§4.6).
const ackOpcode = 0x00

// buildAck constructs the 7-byte unsegmented control Segment
// Acknowledgment described in spec.md §4.5:
//
//	body[0]   = 0x00 (SEG=0, Opcode=0)
//	body[1:3] = BE16( (OBO<<15) | (seq_zero<<2) )
//	body[3:7] = BE32(block_ack)
//
// TTL is copied from the triggering inbound PDU, SRC is the primary
// element address, DST is the original SRC. OBO is always 0 here (no
// friend/LPN semantics, spec.md §1 Non-goals).
func buildAck(primaryElementAddress uint16, netKeyIndex uint16, ttl byte, src uint16, seqZero uint16, blockAck uint32) *NetworkPDU {
	body := make([]byte, 7)
	body[0] = ackOpcode
	var field16 uint16
	field16 = (seqZero & 0x1FFF) << 2 // OBO bit (bit15) left clear
	binary.BigEndian.PutUint16(body[1:3], field16)
	binary.BigEndian.PutUint32(body[3:7], blockAck)

	pdu := NewNetworkPDU(0, true, ttl, 0, primaryElementAddress, src, body)
	pdu.NetKeyIndex = netKeyIndex
	return pdu
}

// parseAck extracts seq_zero and block_ack from an inbound Segment
// Acknowledgment's body.
func parseAck(body []byte) (seqZero uint16, blockAck uint32, ok bool) {
	if len(body) < 7 {
		return 0, 0, false
	}
	field16 := binary.BigEndian.Uint16(body[1:3])
	seqZero = (field16 >> 2) & 0x1FFF
	blockAck = binary.BigEndian.Uint32(body[3:7])
	return seqZero, blockAck, true
}

// sendAck dispatches a Segment Acknowledgment through the Network layer,
// allocating a fresh SEQ for it the way any other outbound network PDU
// would get one. If netKeyIndex is unknown, spec.md §7 says to drop the
// ACK send silently.
func (lt *LowerTransport) sendAck(ctx context.Context, netKeyIndex uint16, ttl byte, src, seqZero uint16, blockAck uint32) {
	if _, ok := lt.network.KeyByIndex(netKeyIndex); !ok {
		dlog.Errorf(ctx, "%s", wrapf(ErrUnknownNetKey, "netkey_index %d, dropping ACK", netKeyIndex))
		return
	}
	pdu := buildAck(lt.primaryElementAddress, netKeyIndex, ttl, src, seqZero, blockAck)
	pdu.SetSeq(lt.seq.Next())
	lt.metrics.acksSent.Inc()
	lt.network.Send(ctx, pdu)
}
