package registry

import (
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-process deployments.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string]ServiceDescriptor
	watchers  []chan Event
	closed    bool

	// TTL is the lease length. Zero means entries never expire.
	ttl  time.Duration
	done chan struct{}
	wg   sync.WaitGroup
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long an instance stays listed without a refresh.
	// Zero means entries never expire.
	TTL time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		instances: make(map[string]ServiceDescriptor),
		ttl:       cfg.TTL,
		done:      make(chan struct{}),
	}

	if cfg.TTL > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}
	return r
}

// Register adds an instance or refreshes its lease.
func (r *MemoryRegistry) Register(desc ServiceDescriptor) error {
	if err := ValidateDescriptor(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	now := time.Now()
	desc = cloneDescriptor(desc)
	desc.LastSeen = now

	prev, exists := r.instances[desc.Key()]
	switch {
	case exists:
		desc.RegisteredAt = prev.RegisteredAt
	case desc.RegisteredAt.IsZero():
		desc.RegisteredAt = now
	}
	r.instances[desc.Key()] = desc

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Descriptor: desc})
	return nil
}

// Deregister removes an instance.
func (r *MemoryRegistry) Deregister(service, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	key := ServiceDescriptor{Service: service, InstanceID: instanceID}.Key()
	desc, exists := r.instances[key]
	if !exists {
		return ErrNotFound
	}

	delete(r.instances, key)
	r.notifyWatchers(Event{Type: EventRemoved, Descriptor: desc})
	return nil
}

// Get retrieves a specific instance.
func (r *MemoryRegistry) Get(service, instanceID string) (*ServiceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	desc, exists := r.instances[ServiceDescriptor{Service: service, InstanceID: instanceID}.Key()]
	if !exists || r.stale(desc, time.Now()) {
		return nil, ErrNotFound
	}
	out := cloneDescriptor(desc)
	return &out, nil
}

// List returns all live instances matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]ServiceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []ServiceDescriptor
	now := time.Now()
	for _, desc := range r.instances {
		if r.stale(desc, now) {
			continue
		}
		if MatchesFilter(desc, filter) {
			result = append(result, cloneDescriptor(desc))
		}
	}
	sortDescriptors(result)
	return result, nil
}

// Services returns the number of live instances per service.
func (r *MemoryRegistry) Services() (map[string]int, error) {
	all, err := r.List(nil)
	if err != nil {
		return nil, err
	}
	return countServices(all), nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *MemoryRegistry) stale(desc ServiceDescriptor, now time.Time) bool {
	return r.ttl > 0 && now.Sub(desc.LastSeen) > r.ttl
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes expired leases.
func (r *MemoryRegistry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

func (r *MemoryRegistry) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	for key, desc := range r.instances {
		if r.stale(desc, now) {
			delete(r.instances, key)
			r.notifyWatchers(Event{Type: EventRemoved, Descriptor: desc})
		}
	}
}
