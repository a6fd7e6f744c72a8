package ratelimit

import (
	"context"
	"time"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// Common errors.
var (
	ErrClosed        = mcperr.Closed("limiter closed")
	ErrInvalidConfig = mcperr.InvalidInput("invalid limiter configuration")
)

// AnyMethod names the service-wide bucket. Methods without a bucket of
// their own draw from it.
const AnyMethod = "*"

// Limiter admits calls to the methods of a service.
type Limiter interface {
	// Acquire blocks until a token is available for method or ctx ends.
	// Methods with no capacity configured are admitted at once.
	Acquire(ctx context.Context, method string) error

	// TryAcquire takes a token without blocking and reports whether it did.
	TryAcquire(method string) bool

	// Release marks an admitted call as finished. Tokens refill with time
	// only, so Release affects InFlight and nothing else.
	Release(method string)

	// SetCapacity allows capacity calls per window for method. A capacity
	// or window of zero removes the limit.
	SetCapacity(method string, capacity int, window time.Duration)

	// Reduce lowers the capacity of method after an overload signal.
	// Shared limiters tell the other instances of the service.
	Reduce(method string, reason string)

	// Capacity returns the current state of the bucket serving method,
	// or nil when method is not limited.
	Capacity(method string) *Capacity

	// Close shuts down the limiter and wakes blocked callers.
	Close() error
}

// Capacity describes the bucket serving a method.
type Capacity struct {
	// Method is the bucket name, AnyMethod for the service-wide bucket.
	Method string

	// Available is the number of tokens left.
	Available int

	// Total is the number of tokens per window.
	Total int

	// Window is the refill period.
	Window time.Duration

	// InFlight counts admitted calls not yet released.
	InFlight int
}

// CapacityUpdate is published when an instance reduces a method's capacity.
type CapacityUpdate struct {
	Method      string    `json:"method"`
	InstanceID  string    `json:"instance_id"`
	NewCapacity int       `json:"new_capacity"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange is called for every update received from another
// instance.
type OnCapacityChange func(update *CapacityUpdate)
