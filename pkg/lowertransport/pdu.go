package lowertransport

import "encoding/binary"

// NetworkHeaderLen is the fixed size of a Bluetooth Mesh network PDU header:
// NID/IVI, CTL/TTL, 24-bit SEQ, 16-bit SRC, 16-bit DST.
const NetworkHeaderLen = 9

// Lower-transport segment payload sizes, per message class.
const (
	accessSegmentSize  = 12
	controlSegmentSize = 8
)

// NetworkPDU is the unit this layer receives from, and sends to, the
// Network layer. It is treated as opaque except for the header accessors
// below and the lower-transport body that rides in Body.
type NetworkPDU struct {
	Header      [NetworkHeaderLen]byte
	Body        []byte
	NetKeyIndex uint16

	// handle lets the Network layer correlate this struct with whatever
	// pool slot it came from; the lower transport layer never inspects it.
	handle any
}

// NewNetworkPDU allocates a network PDU with the given header fields and
// lower-transport body already populated. seq is the per-segment wire
// SEQ (distinct, for segmented traffic, from the message's SeqAuth).
func NewNetworkPDU(nid byte, ctl bool, ttl byte, seq uint32, src, dst uint16, body []byte) *NetworkPDU {
	pdu := &NetworkPDU{Body: body}
	pdu.setNID(nid)
	pdu.SetCTL(ctl)
	pdu.SetTTL(ttl)
	pdu.SetSeq(seq)
	pdu.SetSrc(src)
	pdu.SetDst(dst)
	return pdu
}

func (p *NetworkPDU) setNID(nid byte) {
	p.Header[0] = nid & 0x7F
}

func (p *NetworkPDU) NID() byte {
	return p.Header[0] & 0x7F
}

// CTL reports whether the network CTL bit is set: 1 = control message
// (no application encryption, 64-bit NetMIC, 8-byte segments).
func (p *NetworkPDU) CTL() bool {
	return p.Header[1]&0x80 != 0
}

func (p *NetworkPDU) SetCTL(ctl bool) {
	if ctl {
		p.Header[1] |= 0x80
	} else {
		p.Header[1] &^= 0x80
	}
}

func (p *NetworkPDU) TTL() byte {
	return p.Header[1] & 0x7F
}

func (p *NetworkPDU) SetTTL(ttl byte) {
	p.Header[1] = (p.Header[1] & 0x80) | (ttl & 0x7F)
}

// Seq returns the 24-bit wire SEQ at header[2:5).
func (p *NetworkPDU) Seq() uint32 {
	return be24(p.Header[2:5])
}

func (p *NetworkPDU) SetSeq(seq uint32) {
	putBE24(p.Header[2:5], seq)
}

func (p *NetworkPDU) Src() uint16 {
	return binary.BigEndian.Uint16(p.Header[5:7])
}

func (p *NetworkPDU) SetSrc(src uint16) {
	binary.BigEndian.PutUint16(p.Header[5:7], src)
}

func (p *NetworkPDU) Dst() uint16 {
	return binary.BigEndian.Uint16(p.Header[7:9])
}

func (p *NetworkPDU) SetDst(dst uint16) {
	binary.BigEndian.PutUint16(p.Header[7:9], dst)
}

// Segmented reports whether this PDU carries a lower-transport segment
// (high bit of body[0]) as opposed to an unsegmented access/control
// message.
func (p *NetworkPDU) Segmented() bool {
	return len(p.Body) > 0 && p.Body[0]&0x80 != 0
}

// ControlOpcode returns the opcode of an unsegmented control message
// (the low 7 bits of body[0]). Only meaningful when CTL() is true and
// Segmented() is false.
func (p *NetworkPDU) ControlOpcode() byte {
	if len(p.Body) == 0 {
		return 0
	}
	return p.Body[0] & 0x7F
}

// AkfAid returns the AKF+AID byte stored verbatim in body[0] (bit 7, the
// SEG flag, included as on the wire).
func (p *NetworkPDU) AkfAid() byte {
	if len(p.Body) == 0 {
		return 0
	}
	return p.Body[0]
}

// segmentSize returns the per-segment payload stride for this PDU's
// class: 12 bytes for access, 8 for control. See "Segment size when CTL
// is set" in DESIGN.md.
func (p *NetworkPDU) segmentSize() int {
	if p.CTL() {
		return controlSegmentSize
	}
	return accessSegmentSize
}

// segmentHeader unpacks the 3-byte segment header at body[1:4):
// SZMIC(1) | SeqZero(13) | SegO(5) | SegN(5).
type segmentHeader struct {
	szmic   bool
	seqZero uint16
	segO    uint8
	segN    uint8
}

func parseSegmentHeader(body []byte) segmentHeader {
	v := be24(body[1:4])
	return segmentHeader{
		szmic:   v&(1<<23) != 0,
		seqZero: uint16((v >> 10) & 0x1FFF),
		segO:    uint8((v >> 5) & 0x1F),
		segN:    uint8(v & 0x1F),
	}
}

func putSegmentHeader(body []byte, h segmentHeader) {
	var v uint32
	if h.szmic {
		v |= 1 << 23
	}
	v |= uint32(h.seqZero&0x1FFF) << 10
	v |= uint32(h.segO&0x1F) << 5
	v |= uint32(h.segN & 0x1F)
	putBE24(body[1:4], v)
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putBE24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
