package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/mcpnats/registry"
)

func TestMonitorConfig_Validate(t *testing.T) {
	cfg := MonitorConfig{}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMonitor_SeedsFromRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	reg.Register(registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "b"})
	reg.Register(registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "a"})
	reg.Register(registry.ServiceDescriptor{Service: "mcp.other", InstanceID: "c"})

	m, err := NewMonitor(MonitorConfig{Registry: reg, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop()

	alive := m.Alive("mcp.service")
	if len(alive) != 2 || alive[0].InstanceID != "a" || alive[1].InstanceID != "b" {
		t.Errorf("Alive = %+v", alive)
	}
	if len(m.Alive("")) != 3 {
		t.Errorf("Alive(all) = %d, want 3", len(m.Alive("")))
	}
	if !m.IsAlive("mcp.other", "c") {
		t.Error("seeded instance should be alive")
	}
}

func TestMonitor_FollowsEvents(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	m, _ := NewMonitor(MonitorConfig{Registry: reg, Timeout: time.Minute})
	m.Start()
	defer m.Stop()

	reg.Register(registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "a"})
	waitFor(t, func() bool { return m.IsAlive("mcp.service", "a") })

	reg.Deregister("mcp.service", "a")
	waitFor(t, func() bool { return !m.IsAlive("mcp.service", "a") })
}

func TestMonitor_DetectsDead(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	m, _ := NewMonitor(MonitorConfig{
		Registry:      reg,
		Timeout:       50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	})

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(d registry.ServiceDescriptor) {
		mu.Lock()
		dead = append(dead, d.Key())
		mu.Unlock()
	})

	reg.Register(registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "gone"})
	m.Start()
	defer m.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	})

	// Reported once only.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(dead) != 1 || dead[0] != "mcp.service.gone" {
		t.Errorf("dead = %v", dead)
	}
	mu.Unlock()
}

func TestMonitor_SenderKeepsInstanceAlive(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	m, _ := NewMonitor(MonitorConfig{
		Registry:      reg,
		Timeout:       60 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	})
	var deadCount int
	var mu sync.Mutex
	m.OnDead(func(registry.ServiceDescriptor) {
		mu.Lock()
		deadCount++
		mu.Unlock()
	})
	m.Start()
	defer m.Stop()

	s, _ := NewSender(SenderConfig{
		Registry:   reg,
		Descriptor: registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "live"},
		Interval:   15 * time.Millisecond,
	})
	s.Start(context.Background())

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	if deadCount != 0 {
		t.Errorf("live instance reported dead %d times", deadCount)
	}
	mu.Unlock()

	s.Stop()
	waitFor(t, func() bool { return !m.IsAlive("mcp.service", "live") })
}

func TestMonitor_ReportAgainAfterRecovery(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	m, _ := NewMonitor(MonitorConfig{Registry: reg, Timeout: time.Second})
	count := 0
	m.OnDead(func(registry.ServiceDescriptor) { count++ })

	old := time.Now().Add(-time.Hour)
	desc := registry.ServiceDescriptor{Service: "mcp.service", InstanceID: "a", LastSeen: old}

	m.Observe(registry.Event{Type: registry.EventAdded, Descriptor: desc})
	m.CheckDead(time.Now())
	m.CheckDead(time.Now())
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	desc.LastSeen = time.Now()
	m.Observe(registry.Event{Type: registry.EventUpdated, Descriptor: desc})
	m.CheckDead(time.Now().Add(2 * time.Second))
	if count != 2 {
		t.Errorf("count = %d, want 2 after recovery and second lapse", count)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	m, _ := NewMonitor(MonitorConfig{Registry: reg})
	if err := m.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	m.Start()
	if err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestMonitor_StartOnClosedRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	reg.Close()

	m, _ := NewMonitor(MonitorConfig{Registry: reg})
	if err := m.Start(); !errors.Is(err, registry.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
