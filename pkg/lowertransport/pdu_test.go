package lowertransport

import "testing"

import "github.com/google/go-cmp/cmp"
import "github.com/stretchr/testify/assert"
import "github.com/stretchr/testify/require"

func TestNetworkPDUHeaderAccessors(t *testing.T) {
	pdu := NewNetworkPDU(0x12, true, 5, 0x123456, 0x0001, 0x0002, nil)
	assert.Equal(t, byte(0x12), pdu.NID())
	assert.True(t, pdu.CTL())
	assert.Equal(t, byte(5), pdu.TTL())
	assert.Equal(t, uint32(0x123456), pdu.Seq())
	assert.Equal(t, uint16(0x0001), pdu.Src())
	assert.Equal(t, uint16(0x0002), pdu.Dst())

	pdu.SetCTL(false)
	assert.False(t, pdu.CTL())
	assert.Equal(t, byte(5), pdu.TTL(), "clearing CTL must not disturb TTL")

	pdu.SetTTL(0x7F)
	assert.Equal(t, byte(0x7F), pdu.TTL())

	pdu.SetSeq(0xFFFFFF)
	assert.Equal(t, uint32(0xFFFFFF), pdu.Seq())
}

func TestNetworkPDUSegmentedAndControlOpcode(t *testing.T) {
	unsegmentedAccess := NewNetworkPDU(0, false, 2, 1, 1, 2, []byte{0x00, 0xAA})
	assert.False(t, unsegmentedAccess.Segmented())

	unsegmentedControl := NewNetworkPDU(0, true, 2, 1, 1, 2, []byte{0x0A})
	assert.False(t, unsegmentedControl.Segmented())
	assert.Equal(t, byte(0x0A), unsegmentedControl.ControlOpcode())

	segmented := NewNetworkPDU(0, false, 2, 1, 1, 2, []byte{0x80, 0, 0, 0})
	assert.True(t, segmented.Segmented())
}

func TestSegmentSizeByClass(t *testing.T) {
	access := NewNetworkPDU(0, false, 0, 0, 0, 0, nil)
	control := NewNetworkPDU(0, true, 0, 0, 0, 0, nil)
	assert.Equal(t, accessSegmentSize, access.segmentSize())
	assert.Equal(t, controlSegmentSize, control.segmentSize())
}

func TestSegmentHeaderRoundTrip(t *testing.T) {
	cases := []segmentHeader{
		{szmic: false, seqZero: 0, segO: 0, segN: 0},
		{szmic: true, seqZero: 0x1FFF, segO: 31, segN: 31},
		{szmic: false, seqZero: 1234, segO: 3, segN: 9},
	}
	for _, want := range cases {
		body := make([]byte, 4)
		putSegmentHeader(body, want)
		got := parseSegmentHeader(body)
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(segmentHeader{})); diff != "" {
			t.Errorf("segment header round trip mismatch (-want +got):\n%s", diff)
		}
	}
	require.NotEmpty(t, cases, "sanity: the table itself must not be empty")
}

func TestBE24RoundTrip(t *testing.T) {
	b := make([]byte, 3)
	putBE24(b, 0xABCDEF)
	assert.Equal(t, uint32(0xABCDEF), be24(b))

	putBE24(b, 0)
	assert.Equal(t, uint32(0), be24(b))
}
