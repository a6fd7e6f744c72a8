package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/registry"
)

// Monitor follows a registry and reports instances whose lease has not
// been refreshed within the timeout. JetStream drops expired entries
// without a delete event, so this is how clients notice a crashed server.
type Monitor struct {
	reg           registry.Registry
	timeout       time.Duration
	checkInterval time.Duration
	log           *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]registry.ServiceDescriptor
	deadCBs  []func(registry.ServiceDescriptor)
	reported map[string]bool // Track already-reported dead instances

	running atomic.Bool
	events  <-chan registry.Event
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a new instance monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}

	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}

	return &Monitor{
		reg:           cfg.Registry,
		timeout:       timeout,
		checkInterval: checkInterval,
		log:           logging.OrNop(cfg.Logger).WithComponent("monitor"),
		lastSeen:      make(map[string]registry.ServiceDescriptor),
		reported:      make(map[string]bool),
	}, nil
}

// Start seeds the monitor from the current registry contents and follows
// its events until Stop.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	// Watch before listing so no change between the two is missed.
	events, err := m.reg.Watch()
	if err != nil {
		m.running.Store(false)
		return err
	}
	current, err := m.reg.List(nil)
	if err != nil {
		m.running.Store(false)
		return err
	}

	m.mu.Lock()
	for _, d := range current {
		m.lastSeen[d.Key()] = d
	}
	m.mu.Unlock()

	m.events = events
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run()
	return nil
}

// run processes registry events and checks for dead instances.
func (m *Monitor) run() {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.Observe(ev)
		case now := <-checkTicker.C:
			m.CheckDead(now)
		}
	}
}

// Observe applies one registry event.
func (m *Monitor) Observe(ev registry.Event) {
	key := ev.Descriptor.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Type == registry.EventRemoved {
		delete(m.lastSeen, key)
		delete(m.reported, key)
		return
	}

	desc := ev.Descriptor
	if desc.LastSeen.IsZero() {
		desc.LastSeen = time.Now()
	}
	m.lastSeen[key] = desc
	delete(m.reported, key) // Instance is alive, clear dead report
}

// CheckDead reports instances not refreshed within the timeout. Each dead
// instance is reported once until it refreshes again.
func (m *Monitor) CheckDead(now time.Time) {
	var dead []registry.ServiceDescriptor

	m.mu.Lock()
	for key, desc := range m.lastSeen {
		if now.Sub(desc.LastSeen) > m.timeout && !m.reported[key] {
			m.reported[key] = true
			dead = append(dead, desc)
		}
	}
	callbacks := make([]func(registry.ServiceDescriptor), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	for _, desc := range dead {
		m.log.Warn("instance presumed dead", map[string]interface{}{
			"key":       desc.Key(),
			"last_seen": desc.LastSeen,
		})
		for _, cb := range callbacks {
			cb(desc)
		}
	}
}

// IsAlive checks if an instance refreshed its lease within the timeout.
func (m *Monitor) IsAlive(service, instanceID string) bool {
	key := registry.ServiceDescriptor{Service: service, InstanceID: instanceID}.Key()

	m.mu.RLock()
	desc, ok := m.lastSeen[key]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(desc.LastSeen) <= m.timeout
}

// Alive returns live instances of service, or of every service when
// service is empty, ordered by key.
func (m *Monitor) Alive(service string) []registry.ServiceDescriptor {
	now := time.Now()

	m.mu.RLock()
	var out []registry.ServiceDescriptor
	for _, desc := range m.lastSeen {
		if service != "" && desc.Service != service {
			continue
		}
		if now.Sub(desc.LastSeen) <= m.timeout {
			out = append(out, desc)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// OnDead registers a callback for when an instance is presumed dead.
func (m *Monitor) OnDead(callback func(registry.ServiceDescriptor)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring. The registry itself is left open.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}
