package lowertransport

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/xid"
)

// PeerContext is the per-source-address reassembly bookkeeping described
// in spec.md §3: last accepted SEQ (replay guard), highest accepted
// SeqAuth, the seq_zero/block_ack of the last *completed* message (kept
// so a duplicate segment of it re-triggers an ACK instead of silent
// drop), and the currently active reassembly, if any.
type PeerContext struct {
	Address uint16
	Seq     uint32
	SeqAuth uint32
	SeqZero uint16
	// BlockAck caches the last completed message's block_ack; nonzero
	// means "there is a cached ACK to resend for a duplicate segment of
	// SeqZero" (spec.md §4.3 step 2).
	BlockAck uint32

	Transport *TransportPDU

	// XID is a stable per-peer-slot identifier used only for metrics
	// labels and Dump() output, so two peers that reuse the same
	// unicast address after an LRU eviction are distinguishable in a
	// trace or dashboard (SPEC_FULL.md §3).
	XID xid.ID
}

// PeerRegistry looks up (or lazily creates) a PeerContext by source
// address. It is a bounded LRU, consistent with spec.md §4.2's "No
// eviction policy required by this spec; implementations may bound it."
// All methods are called only from the dispatcher goroutine, so no
// internal locking is needed (spec.md §5).
type PeerRegistry struct {
	cache *lru.Cache[uint16, *PeerContext]
}

// NewPeerRegistry builds a registry bounded to capacity entries. Eviction
// of a peer silently drops its in-flight reassembly (SPEC_FULL.md §3),
// the same outcome as an incomplete-timer expiry for that peer: no ACK,
// no notification.
func NewPeerRegistry(capacity int) *PeerRegistry {
	if capacity <= 0 {
		capacity = 64
	}
	c, err := lru.New[uint16, *PeerContext](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	return &PeerRegistry{cache: c}
}

// Lookup returns the peer context for address, creating one if this is
// the first time this address has been observed.
func (r *PeerRegistry) Lookup(address uint16) *PeerContext {
	if p, ok := r.cache.Get(address); ok {
		return p
	}
	p := &PeerContext{Address: address, XID: xid.New()}
	r.cache.Add(address, p)
	return p
}

// Reset clears every peer context, cancelling any reassembly timers
// along the way. Returns the number of in-flight reassemblies that were
// abandoned, for Dump()/logging.
func (r *PeerRegistry) Reset() int {
	abandoned := 0
	for _, addr := range r.cache.Keys() {
		if p, ok := r.cache.Peek(addr); ok && p.Transport != nil {
			cancelReassembly(p.Transport)
			abandoned++
		}
	}
	r.cache.Purge()
	return abandoned
}

// Len returns the number of peers currently tracked.
func (r *PeerRegistry) Len() int {
	return r.cache.Len()
}

// Snapshot returns every tracked peer context, for Dump().
func (r *PeerRegistry) Snapshot() []*PeerContext {
	out := make([]*PeerContext, 0, r.cache.Len())
	for _, addr := range r.cache.Keys() {
		if p, ok := r.cache.Peek(addr); ok {
			out = append(out, p)
		}
	}
	return out
}

func cancelReassembly(t *TransportPDU) {
	if t == nil {
		return
	}
	if t.ackTimer != nil {
		t.ackTimer.Cancel()
	}
	if t.incompleteTimer != nil {
		t.incompleteTimer.Cancel()
	}
}
