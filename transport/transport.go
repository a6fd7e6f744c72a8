package transport

import (
	"context"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// Common errors.
var (
	ErrClosed = mcperr.Closed("transport closed")
)

// Conn is one end of a JSON-RPC duplex stream carried over the bus.
// Each bus message holds exactly one complete JSON-RPC message.
type Conn interface {
	// Read blocks until the next inbound message arrives, ctx is done, or
	// the conn is closed. A closed conn returns io.EOF.
	Read(ctx context.Context) (jsonrpc.Message, error)

	// Write sends an outbound message. It is safe for concurrent use.
	Write(ctx context.Context, msg jsonrpc.Message) error

	// Close releases subscriptions and unblocks pending reads.
	Close() error
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the inbound message queue.
	// Default: 100
	RecvBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
	}
}

// queue is the single inbound stream of a conn. Every subscription feeds
// it; Read drains it.
type queue struct {
	ch        chan jsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = DefaultConfig().RecvBufferSize
	}
	return &queue{
		ch:   make(chan jsonrpc.Message, size),
		done: make(chan struct{}),
	}
}

// push blocks while the queue is full. It reports false once closed.
func (q *queue) push(msg jsonrpc.Message) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- msg:
		return true
	case <-q.done:
		return false
	}
}

func (q *queue) read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close reports whether this call closed the queue.
func (q *queue) close() bool {
	closed := false
	q.closeOnce.Do(func() {
		close(q.done)
		closed = true
	})
	return closed
}

func (q *queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func protocolError(msg string, opts ...mcperr.Option) error {
	return mcperr.Protocol(msg, opts...)
}
