package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
)

// NATSRegistry implements Registry using a NATS JetStream KV bucket.
// Every client of the bucket sees the same set of instances, and the
// bucket TTL acts as the lease: an instance that stops refreshing its
// entry drops out of List once the TTL elapses.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSConfig
	log    *logging.Logger

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NATSConfig configures the NATS registry.
type NATSConfig struct {
	// BucketName is the KV bucket name. Default: "mcp-services"
	BucketName string

	// TTL is the lease length. Zero means entries never expire.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// Memory selects in-memory bucket storage.
	Memory bool

	// OpTimeout bounds each KV operation. Default: 5s
	OpTimeout time.Duration

	// Logger receives watch failures. Nil disables logging.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		BucketName: "mcp-services",
		TTL:        30 * time.Second,
		Replicas:   1,
		OpTimeout:  5 * time.Second,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, mcperr.InvalidInput("nats connection required")
	}

	if cfg.BucketName == "" {
		cfg.BucketName = "mcp-services"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, mcperr.Wrap(err, "create jetstream context")
	}

	kvCfg := jetstream.KeyValueConfig{
		Bucket:      cfg.BucketName,
		Description: "mcpnats service instances",
		Replicas:    cfg.Replicas,
		History:     1,
	}
	if cfg.TTL > 0 {
		kvCfg.TTL = cfg.TTL
	}
	if cfg.Memory {
		kvCfg.Storage = jetstream.MemoryStorage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, mcperr.Wrap(err, "create kv bucket")
	}

	watchCtx, stop := context.WithCancel(context.Background())
	r := &NATSRegistry{
		conn:   conn,
		kv:     kv,
		config: cfg,
		log:    logging.OrNop(cfg.Logger).WithComponent("registry"),
		cancel: stop,
	}

	r.wg.Add(1)
	go r.watchKV(watchCtx)

	return r, nil
}

func (r *NATSRegistry) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.OpTimeout)
}

func (r *NATSRegistry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Register writes the descriptor, which also refreshes the lease.
func (r *NATSRegistry) Register(desc ServiceDescriptor) error {
	if err := ValidateDescriptor(desc); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}

	now := time.Now()
	desc.LastSeen = now
	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = now
		if prev, err := r.Get(desc.Service, desc.InstanceID); err == nil {
			desc.RegisteredAt = prev.RegisteredAt
		}
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return mcperr.Internal("marshal service descriptor", mcperr.WithCause(err))
	}

	ctx, cancel := r.opContext()
	defer cancel()
	if _, err := r.kv.Put(ctx, desc.Key(), data); err != nil {
		return mcperr.Wrap(err, "put to kv", mcperr.WithMetadata("key", desc.Key()))
	}
	return nil
}

// Deregister removes an instance from the bucket.
func (r *NATSRegistry) Deregister(service, instanceID string) error {
	if service == "" || instanceID == "" {
		return ErrInvalidID
	}
	if r.isClosed() {
		return ErrClosed
	}

	key := ServiceDescriptor{Service: service, InstanceID: instanceID}.Key()
	ctx, cancel := r.opContext()
	defer cancel()

	if _, err := r.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotFound
		}
		return mcperr.Wrap(err, "get from kv")
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		return mcperr.Wrap(err, "delete from kv")
	}
	return nil
}

// Get retrieves a specific instance.
func (r *NATSRegistry) Get(service, instanceID string) (*ServiceDescriptor, error) {
	if service == "" || instanceID == "" {
		return nil, ErrInvalidID
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := r.opContext()
	defer cancel()
	return r.get(ctx, ServiceDescriptor{Service: service, InstanceID: instanceID}.Key())
}

func (r *NATSRegistry) get(ctx context.Context, key string) (*ServiceDescriptor, error) {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, mcperr.Wrap(err, "get from kv")
	}

	var desc ServiceDescriptor
	if err := json.Unmarshal(entry.Value(), &desc); err != nil {
		return nil, mcperr.Internal("unmarshal service descriptor", mcperr.WithCause(err))
	}
	return &desc, nil
}

// List returns all live instances matching the filter.
func (r *NATSRegistry) List(filter *Filter) ([]ServiceDescriptor, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := r.opContext()
	defer cancel()

	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []ServiceDescriptor{}, nil
		}
		return nil, mcperr.Wrap(err, "list keys")
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}

	result := []ServiceDescriptor{}
	for _, key := range keys {
		desc, err := r.get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}
		if MatchesFilter(*desc, filter) {
			result = append(result, *desc)
		}
	}
	sortDescriptors(result)
	return result, nil
}

// Services returns the number of live instances per service.
func (r *NATSRegistry) Services() (map[string]int, error) {
	all, err := r.List(nil)
	if err != nil {
		return nil, err
	}
	return countServices(all), nil
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry. The bucket and connection are left intact.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	r.mu.Unlock()
	return nil
}

// watchKV monitors the bucket and fans changes out to watchers.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	defer r.wg.Done()

	watcher, err := r.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		r.log.Warn("kv watch failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			event, ok := eventFromEntry(entry)
			if !ok {
				continue
			}
			r.fanOut(event)
		}
	}
}

func (r *NATSRegistry) fanOut(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func eventFromEntry(entry jetstream.KeyValueEntry) (Event, bool) {
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		var desc ServiceDescriptor
		if err := json.Unmarshal(entry.Value(), &desc); err != nil {
			return Event{}, false
		}
		if desc.RegisteredAt.Equal(desc.LastSeen) {
			return Event{Type: EventAdded, Descriptor: desc}, true
		}
		return Event{Type: EventUpdated, Descriptor: desc}, true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		service, id := splitKey(entry.Key())
		return Event{
			Type:       EventRemoved,
			Descriptor: ServiceDescriptor{Service: service, InstanceID: id},
		}, true
	}
	return Event{}, false
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}
