package lowertransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompletionMask(t *testing.T) {
	assert.Equal(t, uint32(0b1), completionMask(0))
	assert.Equal(t, uint32(0b11), completionMask(1))
	assert.Equal(t, uint32(0b1111_1111), completionMask(7))
	// SegN==31 is the all-ones boundary: 1<<32 would overflow a uint32 shift.
	assert.Equal(t, uint32(0xFFFFFFFF), completionMask(31))
}

func TestTransportPDUSegmentSize(t *testing.T) {
	access := newTransportPDU()
	access.IsControl = false
	control := newTransportPDU()
	control.IsControl = true

	assert.Equal(t, accessSegmentSize, access.segmentSize())
	assert.Equal(t, controlSegmentSize, control.segmentSize())
}

func TestNewOutgoingTransportPDU(t *testing.T) {
	payload := []byte("hello, mesh network, this needs more than one segment")
	tpdu := NewOutgoingTransportPDU(0x01, 4, 0x0001, 0x0002, 0x00, 0x0042, payload)

	assert.Equal(t, len(payload), tpdu.Len)
	assert.Equal(t, uint16(0x0042), tpdu.SeqZero)
	assert.False(t, tpdu.IsControl)
	assert.NotEqual(t, tpdu.TraceID.String(), "")

	hdr := &NetworkPDU{Header: tpdu.NetworkHeader}
	assert.Equal(t, byte(4), hdr.TTL())
	assert.Equal(t, uint16(0x0001), hdr.Src())
	assert.Equal(t, uint16(0x0002), hdr.Dst())
	assert.Equal(t, 4, tpdu.TransMICLen)
}

func TestNewOutgoingTransportPDUWithOptionsControlHasNoMIC(t *testing.T) {
	tpdu := NewOutgoingTransportPDUWithOptions(0x01, 4, 0x0001, 0x0002, 0x00, 0x0001, []byte{0x01, 0x02}, true, 8)
	assert.True(t, tpdu.IsControl)
	assert.Equal(t, 0, tpdu.TransMICLen, "a control PDU never carries a TransMIC regardless of the requested size")

	hdr := &NetworkPDU{Header: tpdu.NetworkHeader}
	assert.True(t, hdr.CTL())
}

func TestNewOutgoingTransportPDUWithOptionsLargeMIC(t *testing.T) {
	tpdu := NewOutgoingTransportPDUWithOptions(0x01, 4, 0x0001, 0x0002, 0x00, 0x0001, []byte{0x01}, false, 8)
	assert.False(t, tpdu.IsControl)
	assert.Equal(t, 8, tpdu.TransMICLen)
}
