// Package bus owns the connection to the messaging substrate.
//
// The MessageBus interface covers the substrate operations the transport
// needs: pub/sub, queue groups, request/reply, reply inboxes, headers and
// connection status. NATSBus is the production implementation; MemoryBus
// is an in-process implementation for tests.
package bus

import (
	"time"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/subject"
)

// Common errors.
var (
	ErrClosed         = mcperr.Closed("bus closed")
	ErrTimeout        = mcperr.Timeout("request timeout")
	ErrNoResponders   = mcperr.NotFound("no responders")
	ErrUnavailable    = mcperr.Unavailable("transport unavailable")
	ErrInvalidSubject = subject.ErrInvalidSubject
)

// Header holds substrate message headers.
type Header map[string][]string

// Get returns the first value of key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces the values of key.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Message is one substrate message.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Reply is the reply subject for request/reply.
	// Empty for regular pub/sub messages.
	Reply string

	// Header carries transport metadata (correlation id, client id).
	Header Header

	// Data is the message payload.
	Data []byte
}

// Status is the connection state reported to listeners.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusListener is called on every status transition. Listeners run on
// the bus's callback goroutine and must not block.
type StatusListener func(Status)

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	// Fails fast with ErrUnavailable while disconnected.
	Publish(subject string, data []byte) error

	// PublishMsg sends a message with headers and an optional reply subject.
	PublishMsg(msg *Message) error

	// Subscribe creates a subscription. Wildcards are allowed.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Each message is delivered to exactly one member of the queue.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// NewInbox returns a unique subject suitable for replies.
	NewInbox() string

	// Status returns the current connection status.
	Status() Status

	// OnStatusChange registers a listener and returns a function that
	// removes it.
	OnStatusChange(fn StatusListener) (remove func())

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when the subscription or the bus ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. A full buffer drops messages
	// and counts them as slow-consumer drops.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a literal publish subject.
func ValidateSubject(s string) error {
	return subject.Validate(s)
}

// ValidatePattern checks a subscription subject, which may use wildcards.
func ValidatePattern(s string) error {
	return subject.ValidatePattern(s)
}
