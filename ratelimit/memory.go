package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultLocalReduceFactor is the capacity multiplier MemoryLimiter.Reduce
// applies.
const DefaultLocalReduceFactor = 0.75

// bucket is a token bucket that refills capacity tokens per window.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
	inFlight   int
}

// interval is the time it takes to refill one token.
func (b *bucket) interval() time.Duration {
	per := b.window / time.Duration(b.capacity)
	if per <= 0 {
		per = 1
	}
	return per
}

// refill credits the whole tokens earned since lastRefill. The remainder
// carries over to the next refill.
func (b *bucket) refill(now time.Time) {
	if b.available >= b.capacity {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	per := b.interval()
	n := int(elapsed / per)
	if n == 0 {
		return
	}
	b.available += n
	if b.available >= b.capacity {
		b.available = b.capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(n) * per)
}

// next returns how long until the next token is credited.
func (b *bucket) next(now time.Time) time.Duration {
	d := b.lastRefill.Add(b.interval()).Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// MemoryLimiter limits the calls of one process with token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	reduceFactor float64
	closed       bool
	done         chan struct{}
	nowFunc      func() time.Time // for testing
}

// NewMemoryLimiter creates a limiter with no limits set.
func NewMemoryLimiter() *MemoryLimiter {
	return newMemoryLimiter(DefaultLocalReduceFactor)
}

func newMemoryLimiter(reduceFactor float64) *MemoryLimiter {
	return &MemoryLimiter{
		buckets:      make(map[string]*bucket),
		reduceFactor: reduceFactor,
		done:         make(chan struct{}),
		nowFunc:      time.Now,
	}
}

// lookup returns the bucket serving method and its name. Must hold mu.
func (m *MemoryLimiter) lookup(method string) (*bucket, string) {
	if b, ok := m.buckets[method]; ok {
		return b, method
	}
	if b, ok := m.buckets[AnyMethod]; ok {
		return b, AnyMethod
	}
	return nil, ""
}

// SetCapacity configures the limit for method. Use AnyMethod for a
// service-wide limit.
func (m *MemoryLimiter) SetCapacity(method string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, method)
		return
	}

	if b, ok := m.buckets[method]; ok {
		b.refill(m.nowFunc())
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[method] = &bucket{
		capacity:   capacity,
		available:  capacity,
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// Capacity returns the state of the bucket serving method.
func (m *MemoryLimiter) Capacity(method string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, name := m.lookup(method)
	if b == nil {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Method:    name,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
		InFlight:  b.inFlight,
	}
}

// Acquire blocks until a token is available for method.
func (m *MemoryLimiter) Acquire(ctx context.Context, method string) error {
	for {
		wait, err := m.take(method)
		if err != nil || wait == 0 {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// take consumes a token, or returns how long to wait for one.
func (m *MemoryLimiter) take(method string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	b, _ := m.lookup(method)
	if b == nil {
		return 0, nil
	}
	now := m.nowFunc()
	b.refill(now)
	if b.available > 0 {
		b.available--
		b.inFlight++
		return 0, nil
	}
	return b.next(now), nil
}

// TryAcquire takes a token for method without blocking.
func (m *MemoryLimiter) TryAcquire(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	b, _ := m.lookup(method)
	if b == nil {
		return true
	}
	b.refill(m.nowFunc())
	if b.available > 0 {
		b.available--
		b.inFlight++
		return true
	}
	return false
}

// Release marks a call to method as finished.
func (m *MemoryLimiter) Release(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, _ := m.lookup(method); b != nil && b.inFlight > 0 {
		b.inFlight--
	}
}

// Reduce lowers the capacity of the bucket serving method by the reduce
// factor, never below one.
func (m *MemoryLimiter) Reduce(method string, reason string) {
	m.reduce(method, m.reduceFactor)
}

// reduce applies factor and returns the bucket name and its new capacity.
func (m *MemoryLimiter) reduce(method string, factor float64) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, name := m.lookup(method)
	if b == nil {
		return "", 0, false
	}
	b.refill(m.nowFunc())
	capacity := int(float64(b.capacity) * factor)
	if capacity < 1 {
		capacity = 1
	}
	b.capacity = capacity
	if b.available > capacity {
		b.available = capacity
	}
	return name, capacity, true
}

// total returns the capacity of the bucket named name, or 0.
func (m *MemoryLimiter) total(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[name]; ok {
		return b.capacity
	}
	return 0
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
