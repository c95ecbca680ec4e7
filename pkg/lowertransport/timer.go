package lowertransport

import (
	"sync"
	"time"
)

// Timer is the contract this layer needs from a timer facility: schedule
// a callback after a duration, with the ability to cancel. Cancellation
// must be idempotent — calling Cancel twice, or after the timer already
// fired, must be safe (spec.md §3 invariant: "timers never fire after
// their owning PDU is freed").
type Timer interface {
	Schedule(d time.Duration, fn func()) Handle
}

// Handle is a cancellable, idempotent timer reference.
type Handle interface {
	Cancel() bool
}

// runLoopTimer is the production Timer implementation. It is grounded on
// the teacher's processResends ticker (pkg/vif/tcp/handler.go), but
// replaces "wake up, lock, mutate" with "wake up, post a closure onto the
// dispatcher's re-entry channel" so that every mutation of LowerTransport
// state still happens on the single cooperative run-loop goroutine
// (spec.md §5), never on an arbitrary timer goroutine.
type runLoopTimer struct {
	post func(func())
}

func newRunLoopTimer(post func(func())) *runLoopTimer {
	return &runLoopTimer{post: post}
}

func (t *runLoopTimer) Schedule(d time.Duration, fn func()) Handle {
	h := &runLoopHandle{}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()
		if cancelled {
			return
		}
		t.post(fn)
	})
	return h
}

type runLoopHandle struct {
	mu        sync.Mutex
	cancelled bool
	timer     *time.Timer
}

func (h *runLoopHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// manualTimer is a deterministic test double: nothing fires until FireAll
// is called explicitly.
type manualTimer struct {
	mu      sync.Mutex
	pending []*manualHandle
}

func newManualTimer() *manualTimer {
	return &manualTimer{}
}

func (t *manualTimer) Schedule(d time.Duration, fn func()) Handle {
	h := &manualHandle{d: d, fn: fn}
	t.mu.Lock()
	t.pending = append(t.pending, h)
	t.mu.Unlock()
	return h
}

// FireAll invokes and clears every still-pending, non-cancelled timer.
func (t *manualTimer) FireAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, h := range pending {
		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()
		if !cancelled {
			h.fn()
		}
	}
}

// Pending reports how many timers are still outstanding (scheduled, not
// cancelled, not yet fired).
func (t *manualTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, h := range t.pending {
		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()
		if !cancelled {
			n++
		}
	}
	return n
}

type manualHandle struct {
	mu        sync.Mutex
	cancelled bool
	d         time.Duration
	fn        func()
}

func (h *manualHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	return true
}
