package tasks

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Default retention settings.
const (
	DefaultRetention  = 10 * time.Minute
	DefaultGCInterval = time.Minute
)

// Store persists task records for polling.
type Store interface {
	// Put creates or replaces a record.
	Put(ctx context.Context, task *Task) error

	// Get returns a copy of the record.
	// Returns ErrTaskNotFound if the task does not exist.
	Get(ctx context.Context, id string) (*Task, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all records ordered by creation time.
	List(ctx context.Context) ([]*Task, error)

	// Close releases resources.
	Close() error
}

// MemoryStore implements Store in process memory. Terminal records are
// swept after the retention window; other records are never evicted.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	retention time.Duration
	closed    atomic.Bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryStore creates a store that sweeps every gcInterval. Zero values
// select DefaultRetention and DefaultGCInterval.
func NewMemoryStore(retention, gcInterval time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	s := &MemoryStore{
		tasks:     make(map[string]*Task),
		retention: retention,
		ticker:    time.NewTicker(gcInterval),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	defer s.wg.Done()
	for {
		select {
		case now := <-s.ticker.C:
			s.Sweep(now)
		case <-s.done:
			return
		}
	}
}

// Sweep removes terminal records older than the retention window and
// returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.expired(now, s.retention) {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

// Put stores a copy of task.
func (s *MemoryStore) Put(ctx context.Context, task *Task) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if task == nil || task.ID == "" {
		return ErrTaskNotFound
	}
	s.mu.Lock()
	s.tasks[task.ID] = task.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}

// List returns copies of all records ordered by creation time.
func (s *MemoryStore) List(ctx context.Context) ([]*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.ticker.Stop()
	close(s.done)
	s.wg.Wait()
	return nil
}

func sortByCreation(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
