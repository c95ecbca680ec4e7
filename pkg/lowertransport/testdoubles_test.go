package lowertransport

import (
	"context"
	"sync"
)

// fakeNetwork is a NetworkLayer test double that records every PDU handed
// to Send/Release instead of putting it on a wire, so tests can make
// assertions about what this layer tried to do without a real radio.
type fakeNetwork struct {
	mu   sync.Mutex
	keys map[uint16]NetKey
	sent []*NetworkPDU
	// snapshots holds a value copy of each PDU taken at the moment of
	// Send, since sent[i] may alias a single reused buffer (the TX
	// engine's outgoingSegment) whose contents change on the next send.
	snapshots []NetworkPDU
	released  []*NetworkPDU
	allocs    int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{keys: map[uint16]NetKey{0: {Index: 0, NID: 0x00}}}
}

func (n *fakeNetwork) AllocatePDU() *NetworkPDU {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allocs++
	return &NetworkPDU{}
}

func (n *fakeNetwork) KeyByIndex(netKeyIndex uint16) (NetKey, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	k, ok := n.keys[netKeyIndex]
	return k, ok
}

func (n *fakeNetwork) Send(ctx context.Context, pdu *NetworkPDU) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, pdu)
	n.snapshots = append(n.snapshots, NetworkPDU{
		Header:      pdu.Header,
		Body:        append([]byte(nil), pdu.Body...),
		NetKeyIndex: pdu.NetKeyIndex,
	})
}

func (n *fakeNetwork) Release(pdu *NetworkPDU) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, pdu)
}

func (n *fakeNetwork) lastSent() *NetworkPDU {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return nil
	}
	return n.sent[len(n.sent)-1]
}

// fakeUpper is an UpperTransport test double recording every delivery and
// send completion it is handed.
type fakeUpper struct {
	mu            sync.Mutex
	received      []any
	receivedStats []Status
	sent          []any
	sentStats     []Status
}

func newFakeUpper() *fakeUpper {
	return &fakeUpper{}
}

func (u *fakeUpper) PDUReceived(ctx context.Context, pdu any, status Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.received = append(u.received, pdu)
	u.receivedStats = append(u.receivedStats, status)
}

func (u *fakeUpper) PDUSent(ctx context.Context, pdu any, status Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, pdu)
	u.sentStats = append(u.sentStats, status)
}

func (u *fakeUpper) receivedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.received)
}

func (u *fakeUpper) sentCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}
