package lowertransport

import (
	"context"
	"sync"
)

// LoopbackNetwork is a trivial in-memory Network layer: two LowerTransport
// instances wired to the same pair of LoopbackNetwork values exchange
// network PDUs directly, with no encryption or loss, for use by
// cmd/meshltctl and by tests that want to exercise the full
// segmentation/reassembly/ack round trip without a real radio.
type LoopbackNetwork struct {
	mu   sync.Mutex
	self *LowerTransport
	peer *LowerTransport
	key  NetKey

	Dropped int // segments this network silently discards, for fault injection
}

// NewLoopbackNetwork builds a Network layer that reports key as its only
// network key (looked up by key.Index) and drops nothing until told to.
func NewLoopbackNetwork(key NetKey) *LoopbackNetwork {
	return &LoopbackNetwork{key: key}
}

// Attach tells this network which LowerTransport owns it (for send
// completion callbacks) and which one sits on the other end of the wire.
// Both must be set after construction since LowerTransport.New itself
// requires a NetworkLayer.
func (n *LoopbackNetwork) Attach(self, peer *LowerTransport) {
	n.mu.Lock()
	n.self = self
	n.peer = peer
	n.mu.Unlock()
}

func (n *LoopbackNetwork) AllocatePDU() *NetworkPDU {
	return &NetworkPDU{}
}

func (n *LoopbackNetwork) KeyByIndex(netKeyIndex uint16) (NetKey, bool) {
	if netKeyIndex != n.key.Index {
		return NetKey{}, false
	}
	return n.key, true
}

// Send delivers pdu to the peer and reports completion back to self,
// both asynchronously: Send itself is typically called by self's
// Dispatch with self.mu already held, so calling either side's
// HandleNetworkPDU* inline here would deadlock on that same mutex.
func (n *LoopbackNetwork) Send(ctx context.Context, pdu *NetworkPDU) {
	n.mu.Lock()
	self, peer := n.self, n.peer
	drop := n.Dropped > 0
	if drop {
		n.Dropped--
	}
	n.mu.Unlock()

	// Deliver a copy: the sender may reuse pdu's backing Body buffer for
	// its next segment before the receiver is done with this one.
	var delivered *NetworkPDU
	if peer != nil && !drop {
		delivered = &NetworkPDU{Header: pdu.Header, NetKeyIndex: pdu.NetKeyIndex}
		delivered.Body = append([]byte(nil), pdu.Body...)
	}

	go func() {
		if delivered != nil {
			peer.HandleNetworkPDUReceived(ctx, delivered)
		}
		if self != nil {
			self.HandleNetworkPDUSent(ctx, pdu, true)
		}
	}()
}

func (n *LoopbackNetwork) Release(pdu *NetworkPDU) {}
