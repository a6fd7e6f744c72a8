package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// KVConfig configures a KVStore.
type KVConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	// Default: "mcp-tasks"
	Bucket string

	// Retention is the bucket TTL. Records not written for this long are
	// dropped by the server, so the executor rewrites running records
	// before the window elapses.
	// Default: DefaultRetention
	Retention time.Duration

	// Memory selects in-memory bucket storage.
	Memory bool

	// OpTimeout bounds each KV operation when ctx has no deadline.
	// Default: 5s
	OpTimeout time.Duration
}

// KVStore implements Store on a JetStream KV bucket, sharing task records
// across every instance of a service.
type KVStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	ttl     time.Duration
	closed  atomic.Bool
}

// NewKVStore creates or updates the bucket and returns a store on it.
func NewKVStore(ctx context.Context, cfg KVConfig) (*KVStore, error) {
	if cfg.Conn == nil {
		return nil, mcperr.InvalidInput("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "mcp-tasks"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, mcperr.Wrap(err, "jetstream")
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "mcpnats async task records",
		TTL:         cfg.Retention,
		History:     1,
		Storage:     storage,
	})
	if err != nil {
		return nil, mcperr.Wrap(err, "create kv bucket")
	}
	return &KVStore{kv: kv, timeout: cfg.OpTimeout, ttl: cfg.Retention}, nil
}

// TTL returns the bucket retention.
func (s *KVStore) TTL() time.Duration {
	return s.ttl
}

func (s *KVStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Put writes the record as JSON under its id.
func (s *KVStore) Put(ctx context.Context, task *Task) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if task == nil || task.ID == "" {
		return ErrTaskNotFound
	}
	data, err := json.Marshal(task)
	if err != nil {
		return mcperr.Internal("encode task", mcperr.WithCause(err))
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.kv.Put(ctx, task.ID, data); err != nil {
		return mcperr.Wrap(err, "kv put", mcperr.WithTaskID(task.ID))
	}
	return nil
}

// Get reads the record.
func (s *KVStore) Get(ctx context.Context, id string) (*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, mcperr.Wrap(err, "kv get", mcperr.WithTaskID(id))
	}
	var t Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, mcperr.Internal("decode task", mcperr.WithCause(err), mcperr.WithTaskID(id))
	}
	return &t, nil
}

// Delete removes the record.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.kv.Delete(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return mcperr.Wrap(err, "kv delete", mcperr.WithTaskID(id))
	}
	return nil
}

// List reads every record in the bucket.
func (s *KVStore) List(ctx context.Context) ([]*Task, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mcperr.Wrap(err, "kv list keys")
	}
	defer lister.Stop()

	var ids []string
	for id := range lister.Keys() {
		ids = append(ids, id)
	}

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortByCreation(out)
	return out, nil
}

// Close marks the store closed. The bucket and connection are left intact.
func (s *KVStore) Close() error {
	s.closed.Store(true)
	return nil
}
