package registry

import (
	"errors"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex error: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	descs := []ServiceDescriptor{
		{
			Service:     "mcp.weather",
			InstanceID:  "w1",
			Description: "Forecasts and current conditions for any city",
			Methods:     []string{"tools/list", "tools/call"},
			Metadata:    map[string]string{"region": "europe"},
		},
		{
			Service:     "mcp.search",
			InstanceID:  "s1",
			Description: "Full text search over internal documents",
			Methods:     []string{"resources/read"},
		},
		{
			Service:     "mcp.files",
			InstanceID:  "f1",
			Description: "File storage",
			Metadata:    map[string]string{"region": "asia"},
		},
	}
	if err := idx.Load(descs); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return idx
}

func TestIndex_SearchDescription(t *testing.T) {
	idx := newTestIndex(t)

	hits, err := idx.Search("forecasts", 10)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) != 1 || hits[0].Descriptor.Service != "mcp.weather" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Score <= 0 {
		t.Error("expected positive score")
	}
}

func TestIndex_SearchServiceName(t *testing.T) {
	idx := newTestIndex(t)

	for _, q := range []string{"mcp.search", "search"} {
		hits, err := idx.Search(q, 10)
		if err != nil {
			t.Fatalf("Search(%q) error: %v", q, err)
		}
		if len(hits) == 0 || hits[0].Descriptor.Service != "mcp.search" {
			t.Errorf("Search(%q) top hit = %+v", q, hits)
		}
	}
}

func TestIndex_SearchMethodsAndMetadata(t *testing.T) {
	idx := newTestIndex(t)

	hits, _ := idx.Search("resources", 10)
	if len(hits) != 1 || hits[0].Descriptor.InstanceID != "s1" {
		t.Errorf("method search hits = %+v", hits)
	}

	hits, _ = idx.Search("asia", 10)
	if len(hits) != 1 || hits[0].Descriptor.InstanceID != "f1" {
		t.Errorf("metadata search hits = %+v", hits)
	}
}

func TestIndex_EmptyQueryMatchesAll(t *testing.T) {
	idx := newTestIndex(t)

	hits, err := idx.Search("", 0)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("len = %d, want 3", len(hits))
	}

	hits, _ = idx.Search("", 2)
	if len(hits) != 2 {
		t.Errorf("limit ignored: len = %d", len(hits))
	}
}

func TestIndex_ApplyEvents(t *testing.T) {
	idx := newTestIndex(t)

	err := idx.Apply(Event{Type: EventAdded, Descriptor: ServiceDescriptor{
		Service:     "mcp.translate",
		InstanceID:  "t1",
		Description: "Machine translation",
	}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if idx.Len() != 4 {
		t.Errorf("Len = %d, want 4", idx.Len())
	}
	if hits, _ := idx.Search("translation", 10); len(hits) != 1 {
		t.Errorf("added descriptor not searchable: %+v", hits)
	}

	err = idx.Apply(Event{Type: EventRemoved, Descriptor: ServiceDescriptor{Service: "mcp.translate", InstanceID: "t1"}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if hits, _ := idx.Search("translation", 10); len(hits) != 0 {
		t.Errorf("removed descriptor still found: %+v", hits)
	}
	if err := idx.Remove("mcp.none", "x"); err != nil {
		t.Errorf("removing unknown key should succeed: %v", err)
	}
}

func TestIndex_LoadDropsStale(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Load([]ServiceDescriptor{{Service: "mcp.weather", InstanceID: "w1"}}); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
	if hits, _ := idx.Search("documents", 10); len(hits) != 0 {
		t.Errorf("stale descriptor still found: %+v", hits)
	}
}

func TestIndex_Closed(t *testing.T) {
	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex error: %v", err)
	}
	idx.Close()
	idx.Close()

	if _, err := idx.Search("x", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := idx.Add(ServiceDescriptor{Service: "a", InstanceID: "b"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
