package bus

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Backoff is an exponential reconnect delay bounded by Max.
type Backoff struct {
	// Initial is the delay before the first reconnect attempt.
	Initial time.Duration

	// Max bounds every delay.
	Max time.Duration

	// Multiplier grows the delay per attempt. Values below 1 are treated as 2.
	Multiplier float64
}

// DefaultBackoff returns 250ms doubling up to 10s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    250 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// statusHub tracks the connection status and fans transitions out to
// listeners.
type statusHub struct {
	status atomic.Int32

	mu        sync.Mutex
	listeners map[uint64]StatusListener
	nextID    uint64
}

func newStatusHub() *statusHub {
	return &statusHub{listeners: make(map[uint64]StatusListener)}
}

func (h *statusHub) get() Status {
	return Status(h.status.Load())
}

func (h *statusHub) add(fn StatusListener) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// set records s and notifies listeners if it differs from the previous
// status. Closed is terminal.
func (h *statusHub) set(s Status) bool {
	for {
		old := h.status.Load()
		if Status(old) == StatusClosed || Status(old) == s {
			return false
		}
		if h.status.CompareAndSwap(old, int32(s)) {
			break
		}
	}

	h.mu.Lock()
	fns := make([]StatusListener, 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return true
}
