package lowertransport

import "github.com/google/uuid"

// MaxSegments is the largest number of segments a single transport PDU
// can be split into; block_ack is a 32-bit bitmap so segment index runs
// 0..31.
const MaxSegments = 32

// TransportPDU is owned by this layer for segmented traffic, both
// inbound (reassembly) and outbound (segmentation). See spec.md §3.
type TransportPDU struct {
	NetworkHeader [NetworkHeaderLen]byte
	AkfAid        byte
	TransMICLen   int // 4 or 8 (SZMIC); 0 for an outgoing control PDU
	SeqZero       uint16
	Data          []byte
	Len           int
	BlockAck      uint32
	NetKeyIndex   uint16
	IsControl     bool

	MessageComplete bool

	ackTimer        Handle
	ackTimerActive  bool
	incompleteTimer Handle

	// TX-only bookkeeping.
	SegO       uint8
	SegN       uint8
	RetryCount int

	// TraceID has no wire meaning; it exists purely to correlate log
	// lines and trace spans for one outbound/inbound message.
	TraceID uuid.UUID
}

func newTransportPDU() *TransportPDU {
	return &TransportPDU{TraceID: uuid.New()}
}

// NewOutgoingTransportPDU builds an access-message transport PDU with a
// 32-bit (4-byte) TransMIC, ready to hand to SendSegmented. seqZero must
// be the low 13 bits of whatever SEQ the first segment will consume;
// callers get this by calling PeekSeq() immediately before SendSegmented,
// with nothing else allowed to consume a SEQ number in between (spec.md
// §4.4: seq_zero is fixed for the life of the send, unlike the
// per-segment SEQ). Use NewOutgoingTransportPDUWithOptions for a control
// message or a 64-bit (SZMIC) TransMIC.
func NewOutgoingTransportPDU(nid, ttl byte, src, dst uint16, akfAid byte, seqZero uint16, payload []byte) *TransportPDU {
	return NewOutgoingTransportPDUWithOptions(nid, ttl, src, dst, akfAid, seqZero, payload, false, 4)
}

// NewOutgoingTransportPDUWithOptions is NewOutgoingTransportPDU with the
// message class and TransMIC size made explicit. isControl selects the
// control segment payload stride (segmentSize); transMICLen must be 4,
// or 8 for an access message electing the large (SZMIC) TransMIC — a
// control message never carries a TransMIC, so transMICLen is ignored
// when isControl is true (spec.md §4.3: control PDUs have no MIC).
func NewOutgoingTransportPDUWithOptions(nid, ttl byte, src, dst uint16, akfAid byte, seqZero uint16, payload []byte, isControl bool, transMICLen int) *TransportPDU {
	t := newTransportPDU()
	netHdr := NewNetworkPDU(nid, isControl, ttl, 0, src, dst, nil)
	t.NetworkHeader = netHdr.Header
	t.AkfAid = akfAid
	t.IsControl = isControl
	if isControl {
		t.TransMICLen = 0
	} else if transMICLen == 8 {
		t.TransMICLen = 8
	} else {
		t.TransMICLen = 4
	}
	t.SeqZero = seqZero & 0x1FFF
	t.Data = payload
	t.Len = len(payload)
	return t
}

// segmentSize returns the per-segment payload stride: 12 for access
// messages, 8 for control (spec.md §4.3/§4.4).
func (t *TransportPDU) segmentSize() int {
	if t.IsControl {
		return controlSegmentSize
	}
	return accessSegmentSize
}

// completionMask returns the block_ack bitmask that signals "all segments
// 0..SegN present", handling the SegN==31 (all-ones) boundary case from
// spec.md §8.
func completionMask(segN uint8) uint32 {
	if segN >= MaxSegments-1 {
		return 0xFFFFFFFF
	}
	return (uint32(1) << (uint32(segN) + 1)) - 1
}
