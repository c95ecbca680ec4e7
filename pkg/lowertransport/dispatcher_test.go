package lowertransport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsegmentedAccessPassesThroughToUpper(t *testing.T) {
	lt, _, upper := newTestLowerTransport()
	ctx := context.Background()

	pdu := NewNetworkPDU(0, false, 4, 10, 0x0002, 0x0001, []byte{0x00, 0xAA, 0xBB})
	lt.HandleNetworkPDUReceived(ctx, pdu)

	require.Equal(t, 1, upper.receivedCount())
	assert.Same(t, pdu, upper.received[0])
}

func TestUnsegmentedControlOtherThanAckPassesThroughToUpper(t *testing.T) {
	lt, _, upper := newTestLowerTransport()
	ctx := context.Background()

	pdu := NewNetworkPDU(0, true, 4, 10, 0x0002, 0x0001, []byte{0x03}) // opcode 3, not a Seg Ack
	lt.HandleNetworkPDUReceived(ctx, pdu)

	require.Equal(t, 1, upper.receivedCount())
}

func TestUnsegmentedReplayIsDropped(t *testing.T) {
	lt, net, upper := newTestLowerTransport()
	ctx := context.Background()

	lt.HandleNetworkPDUReceived(ctx, NewNetworkPDU(0, false, 4, 10, 0x0002, 0x0001, []byte{0x00, 0xAA}))
	lt.HandleNetworkPDUReceived(ctx, NewNetworkPDU(0, false, 4, 10, 0x0002, 0x0001, []byte{0x00, 0xBB}))

	assert.Equal(t, 1, upper.receivedCount(), "a repeated or lower SEQ from the same peer must be dropped")
	assert.Len(t, net.released, 1, "the dropped PDU must still be released back to the pool")
}

func TestMessageProcessedByHigherLayerReleasesNetworkPDU(t *testing.T) {
	lt, net, _ := newTestLowerTransport()
	pdu := NewNetworkPDU(0, false, 4, 10, 0x0002, 0x0001, []byte{0x00})

	lt.MessageProcessedByHigherLayer(pdu)

	require.Len(t, net.released, 1)
	assert.Same(t, pdu, net.released[0])
}
