package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestMemoryRegistry_Register(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	desc := ServiceDescriptor{
		Service:     "mcp.weather",
		InstanceID:  "inst-1",
		Description: "Weather forecasts",
		Methods:     []string{"tools/list", "tools/call"},
	}

	if err := r.Register(desc); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	got, err := r.Get("mcp.weather", "inst-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Description != "Weather forecasts" {
		t.Errorf("Description = %q, want %q", got.Description, "Weather forecasts")
	}
	if got.LastSeen.IsZero() {
		t.Error("LastSeen should be set")
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt should be set")
	}
	if got.Key() != "mcp.weather.inst-1" {
		t.Errorf("Key = %q", got.Key())
	}
}

func TestMemoryRegistry_RefreshKeepsRegisteredAt(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	desc := ServiceDescriptor{Service: "mcp.weather", InstanceID: "inst-1"}
	r.Register(desc)
	first, _ := r.Get("mcp.weather", "inst-1")

	time.Sleep(5 * time.Millisecond)
	desc.Description = "updated"
	r.Register(desc)

	got, _ := r.Get("mcp.weather", "inst-1")
	if !got.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("RegisteredAt changed on refresh: %v -> %v", first.RegisteredAt, got.RegisteredAt)
	}
	if !got.LastSeen.After(first.LastSeen) {
		t.Error("LastSeen should advance on refresh")
	}
	if got.Description != "updated" {
		t.Errorf("Description = %q, want %q", got.Description, "updated")
	}
}

func TestMemoryRegistry_RegisterInvalid(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	tests := []ServiceDescriptor{
		{Service: "", InstanceID: "x"},
		{Service: "mcp.service", InstanceID: ""},
		{Service: "mcp.*", InstanceID: "x"},
		{Service: "mcp.service", InstanceID: "a.b"},
		{Service: "mcp service", InstanceID: "x"},
	}
	for _, desc := range tests {
		if err := r.Register(desc); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Register(%q, %q) = %v, want ErrInvalidID", desc.Service, desc.InstanceID, err)
		}
	}
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	r.Register(ServiceDescriptor{Service: "mcp.service", InstanceID: "a"})

	if err := r.Deregister("mcp.service", "a"); err != nil {
		t.Fatalf("Deregister error: %v", err)
	}
	if _, err := r.Get("mcp.service", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := r.Deregister("mcp.service", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second deregister, got %v", err)
	}
}

func TestMemoryRegistry_GetIsCopy(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	r.Register(ServiceDescriptor{
		Service:    "mcp.service",
		InstanceID: "a",
		Metadata:   map[string]string{"zone": "eu"},
		Methods:    []string{"ping"},
	})

	got, _ := r.Get("mcp.service", "a")
	got.Metadata["zone"] = "us"
	got.Methods[0] = "changed"

	again, _ := r.Get("mcp.service", "a")
	if again.Metadata["zone"] != "eu" || again.Methods[0] != "ping" {
		t.Error("Get must return a copy")
	}
}

func TestMemoryRegistry_List(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	r.Register(ServiceDescriptor{Service: "mcp.weather", InstanceID: "b", Methods: []string{"tools/call"}})
	r.Register(ServiceDescriptor{Service: "mcp.weather", InstanceID: "a", Metadata: map[string]string{"zone": "eu"}})
	r.Register(ServiceDescriptor{Service: "mcp.search", InstanceID: "c", Metadata: map[string]string{"zone": "eu"}})

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"nil filter", nil, []string{"mcp.search.c", "mcp.weather.a", "mcp.weather.b"}},
		{"by service", &Filter{Service: "mcp.weather"}, []string{"mcp.weather.a", "mcp.weather.b"}},
		{"by method", &Filter{Method: "tools/call"}, []string{"mcp.weather.b"}},
		{"by metadata", &Filter{Metadata: map[string]string{"zone": "eu"}}, []string{"mcp.search.c", "mcp.weather.a"}},
		{"no match", &Filter{Service: "mcp.none"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := r.List(tt.filter)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			var keys []string
			for _, d := range list {
				keys = append(keys, d.Key())
			}
			if fmt.Sprint(keys) != fmt.Sprint(tt.want) {
				t.Errorf("List = %v, want %v", keys, tt.want)
			}
		})
	}
}

func TestMemoryRegistry_Services(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	r.Register(ServiceDescriptor{Service: "mcp.weather", InstanceID: "a"})
	r.Register(ServiceDescriptor{Service: "mcp.weather", InstanceID: "b"})
	r.Register(ServiceDescriptor{Service: "mcp.search", InstanceID: "c"})

	counts, err := r.Services()
	if err != nil {
		t.Fatalf("Services error: %v", err)
	}
	if counts["mcp.weather"] != 2 || counts["mcp.search"] != 1 || len(counts) != 2 {
		t.Errorf("Services = %v", counts)
	}
}

func TestMemoryRegistry_Watch(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	events, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	desc := ServiceDescriptor{Service: "mcp.service", InstanceID: "a"}
	r.Register(desc)
	r.Register(desc)
	r.Deregister("mcp.service", "a")

	want := []EventType{EventAdded, EventUpdated, EventRemoved}
	for i, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Errorf("event %d type = %v, want %v", i, ev.Type, typ)
			}
			if ev.Descriptor.Key() != "mcp.service.a" {
				t.Errorf("event %d key = %q", i, ev.Descriptor.Key())
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestMemoryRegistry_TTL(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{TTL: 50 * time.Millisecond})
	defer r.Close()

	events, _ := r.Watch()
	r.Register(ServiceDescriptor{Service: "mcp.service", InstanceID: "a"})
	<-events // added

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventRemoved {
				continue
			}
			if _, err := r.Get("mcp.service", "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected expired instance to be gone, got %v", err)
			}
			return
		case <-deadline:
			t.Fatal("lease did not expire")
		}
	}
}

func TestMemoryRegistry_RefreshKeepsLease(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{TTL: 80 * time.Millisecond})
	defer r.Close()

	desc := ServiceDescriptor{Service: "mcp.service", InstanceID: "a"}
	for i := 0; i < 6; i++ {
		if err := r.Register(desc); err != nil {
			t.Fatalf("Register error: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	if _, err := r.Get("mcp.service", "a"); err != nil {
		t.Errorf("refreshed instance should stay listed: %v", err)
	}
}

func TestMemoryRegistry_Close(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{TTL: time.Minute})

	events, _ := r.Watch()
	if err := r.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if _, ok := <-events; ok {
		t.Error("watch channel should be closed")
	}
	if err := r.Register(ServiceDescriptor{Service: "mcp.service", InstanceID: "a"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := r.List(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := r.Watch(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryRegistry_Concurrent(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("inst-%d", i)
			r.Register(ServiceDescriptor{Service: "mcp.service", InstanceID: id})
			r.List(nil)
			r.Get("mcp.service", id)
		}(i)
	}
	wg.Wait()

	counts, _ := r.Services()
	if counts["mcp.service"] != 20 {
		t.Errorf("count = %d, want 20", counts["mcp.service"])
	}
}

func TestSplitKey(t *testing.T) {
	service, id := splitKey("mcp.weather.inst-1")
	if service != "mcp.weather" || id != "inst-1" {
		t.Errorf("splitKey = %q, %q", service, id)
	}
	service, id = splitKey("solo")
	if service != "" || id != "solo" {
		t.Errorf("splitKey = %q, %q", service, id)
	}
}

func TestServiceName(t *testing.T) {
	tests := map[string]string{
		"mcp.service":   "mcp_service",
		"mcp-weather":   "mcp-weather",
		"a.b.c":         "a_b_c",
		"weird$name!ok": "weird_name_ok",
		"":              "_",
	}
	for in, want := range tests {
		if got := ServiceName(in); got != want {
			t.Errorf("ServiceName(%q) = %q, want %q", in, got, want)
		}
	}
}
