package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/subject"
)

// DistributedConfig configures a limiter shared by the instances of a
// service.
type DistributedConfig struct {
	// Bus carries capacity updates.
	Bus bus.MessageBus

	// Service is the logical service whose instances share reductions.
	Service string

	// InstanceID identifies this instance in updates.
	InstanceID string

	// ReduceFactor is the capacity multiplier on Reduce (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how long a reduction holds before capacity
	// starts growing back, and how often it grows.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor is the capacity multiplier per recovery step (>1).
	// Recovery never exceeds the configured capacity.
	// Default: 1.1
	RecoveryFactor float64

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil {
		return mcperr.Wrap(ErrInvalidConfig, "bus is required")
	}
	if c.InstanceID == "" {
		return mcperr.Wrap(ErrInvalidConfig, "instance id is required")
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 {
		return mcperr.Wrap(ErrInvalidConfig, "reduce factor must be in [0, 1)")
	}
	if c.RecoveryFactor != 0 && c.RecoveryFactor <= 1 {
		return mcperr.Wrap(ErrInvalidConfig, "recovery factor must be greater than 1")
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

// limit is the configured capacity of a bucket before reductions.
type limit struct {
	capacity int
	window   time.Duration
}

// DistributedLimiter limits calls locally and shares capacity reductions
// with the other instances of the service over the bus.
type DistributedLimiter struct {
	config  DistributedConfig
	subject string
	log     *logging.Logger
	local   *MemoryLimiter

	mu            sync.Mutex
	limits        map[string]limit
	lastReduction map[string]time.Time
	onChange      OnCapacityChange

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedLimiter subscribes to the service's capacity subject.
func NewDistributedLimiter(config DistributedConfig) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	router, err := subject.NewRouter(config.Service)
	if err != nil {
		return nil, err
	}

	def := DefaultDistributedConfig()
	if config.ReduceFactor == 0 {
		config.ReduceFactor = def.ReduceFactor
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = def.RecoveryInterval
	}
	if config.RecoveryFactor == 0 {
		config.RecoveryFactor = def.RecoveryFactor
	}

	sub, err := config.Bus.Subscribe(router.Capacity())
	if err != nil {
		return nil, mcperr.Wrap(err, "subscribe capacity updates", mcperr.WithSubject(router.Capacity()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedLimiter{
		config:        config,
		subject:       router.Capacity(),
		log:           logging.OrNop(config.Logger).WithComponent("ratelimit"),
		local:         newMemoryLimiter(config.ReduceFactor),
		limits:        make(map[string]limit),
		lastReduction: make(map[string]time.Time),
		sub:           sub,
		ctx:           ctx,
		cancel:        cancel,
	}

	d.wg.Add(2)
	go d.listen()
	go d.recoveryLoop()
	return d, nil
}

// listen applies updates from the other instances.
func (d *DistributedLimiter) listen() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg)
		}
	}
}

func (d *DistributedLimiter) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		d.log.Debug("discarding malformed capacity update", map[string]interface{}{"error": err.Error()})
		return
	}
	if update.InstanceID == d.config.InstanceID {
		return
	}

	d.mu.Lock()
	l, known := d.limits[update.Method]
	applied := false
	if known && update.NewCapacity > 0 && update.NewCapacity < d.local.total(update.Method) {
		d.local.SetCapacity(update.Method, update.NewCapacity, l.window)
		d.lastReduction[update.Method] = time.Now()
		applied = true
	}
	cb := d.onChange
	d.mu.Unlock()

	if applied {
		d.log.Info("capacity reduced by peer", map[string]interface{}{
			"method":   update.Method,
			"capacity": update.NewCapacity,
			"peer":     update.InstanceID,
			"reason":   update.Reason,
		})
	}
	if cb != nil {
		cb(&update)
	}
}

func (d *DistributedLimiter) recoveryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.recover(time.Now())
		}
	}
}

// recover grows reduced buckets back toward their configured capacity
// once a reduction is older than the recovery interval.
func (d *DistributedLimiter) recover(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for method, at := range d.lastReduction {
		if now.Sub(at) < d.config.RecoveryInterval {
			continue
		}
		l, ok := d.limits[method]
		if !ok {
			delete(d.lastReduction, method)
			continue
		}
		current := d.local.total(method)
		if current == 0 {
			delete(d.lastReduction, method)
			continue
		}

		next := int(float64(current) * d.config.RecoveryFactor)
		if next <= current {
			next = current + 1
		}
		if next >= l.capacity {
			next = l.capacity
			delete(d.lastReduction, method)
		}
		d.local.SetCapacity(method, next, l.window)
	}
}

// SetCapacity configures the limit for method and remembers it as the
// recovery ceiling.
func (d *DistributedLimiter) SetCapacity(method string, capacity int, window time.Duration) {
	d.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(d.limits, method)
		delete(d.lastReduction, method)
	} else {
		d.limits[method] = limit{capacity: capacity, window: window}
	}
	d.mu.Unlock()

	d.local.SetCapacity(method, capacity, window)
}

// Capacity returns the state of the bucket serving method.
func (d *DistributedLimiter) Capacity(method string) *Capacity {
	return d.local.Capacity(method)
}

// Acquire blocks until a token is available for method.
func (d *DistributedLimiter) Acquire(ctx context.Context, method string) error {
	return d.local.Acquire(ctx, method)
}

// TryAcquire takes a token for method without blocking.
func (d *DistributedLimiter) TryAcquire(method string) bool {
	return d.local.TryAcquire(method)
}

// Release marks a call to method as finished.
func (d *DistributedLimiter) Release(method string) {
	d.local.Release(method)
}

// Reduce lowers the capacity serving method and publishes the new value
// to the other instances.
func (d *DistributedLimiter) Reduce(method string, reason string) {
	d.mu.Lock()
	name, capacity, ok := d.local.reduce(method, d.config.ReduceFactor)
	if ok {
		d.lastReduction[name] = time.Now()
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.log.Warn("capacity reduced", map[string]interface{}{
		"method":   name,
		"capacity": capacity,
		"reason":   reason,
	})

	data, err := json.Marshal(CapacityUpdate{
		Method:      name,
		InstanceID:  d.config.InstanceID,
		NewCapacity: capacity,
		Reason:      reason,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return
	}
	if err := d.config.Bus.Publish(d.subject, data); err != nil {
		d.log.Warn("capacity update not published", map[string]interface{}{"error": err.Error()})
	}
}

// OnCapacityChange sets a callback for updates from other instances.
func (d *DistributedLimiter) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onChange = cb
	d.mu.Unlock()
}

// Close stops listening and closes the local limiter.
func (d *DistributedLimiter) Close() error {
	d.cancel()
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	d.wg.Wait()
	return d.local.Close()
}

var _ Limiter = (*DistributedLimiter)(nil)
