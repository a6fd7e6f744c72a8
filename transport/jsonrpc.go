package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
)

// Handler handles JSON-RPC requests.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Mux is an explicit method-name to handler table.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty method table.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle binds method to h, replacing any previous binding.
func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// HandleFunc binds method to fn.
func (m *Mux) HandleFunc(method string, fn func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)) {
	m.Handle(method, HandlerFunc(fn))
}

// Lookup returns the handler bound to method.
func (m *Mux) Lookup(method string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}

// Methods returns the bound method names in sorted order. It is suitable
// for ServerConfig.Methods.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ServeOption configures Serve.
type ServeOption func(*serveOptions)

type serveOptions struct {
	log     *logging.Logger
	metrics *metrics.Metrics
}

// WithServeLogger sets the logger for replies that could not be written.
// Default: logging.Nop()
func WithServeLogger(l *logging.Logger) ServeOption {
	return func(o *serveOptions) { o.log = l }
}

// WithServeMetrics counts replies that could not be written.
func WithServeMetrics(m *metrics.Metrics) ServeOption {
	return func(o *serveOptions) { o.metrics = m }
}

// Serve reads calls from conn and answers them with handlers from mux
// until ctx is done or conn reaches end of stream. Calls run
// concurrently; notifications with a bound handler run and are not
// answered. A reply that cannot be written is logged and counted, and
// its caller times out. Serve waits for running handlers before
// returning.
func Serve(ctx context.Context, conn Conn, mux *Mux, opts ...ServeOption) error {
	var o serveOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrNop(o.log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := dispatch(ctx, mux, req)
			if resp == nil {
				return
			}
			if err := conn.Write(ctx, resp); err != nil {
				o.metrics.IncReplyError()
				log.Warn("reply not written", map[string]interface{}{
					"method": req.Method,
					"id":     idString(req.ID),
					"error":  err.Error(),
				})
			}
		}()
	}
}

// dispatch runs the handler for req. It returns nil for notifications.
func dispatch(ctx context.Context, mux *Mux, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	h, found := mux.Lookup(req.Method)
	if !req.IsCall() {
		if found {
			_, _ = safeHandle(ctx, h, req)
		}
		return nil
	}

	resp = &jsonrpc.Response{ID: req.ID}
	if !found {
		resp.Error = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not found: " + req.Method}
		return resp
	}

	result, err := safeHandle(ctx, h, req)
	if err != nil {
		resp.Error = mcperr.ToWire(err)
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "encode result: " + err.Error()}
		return resp
	}
	resp.Result = data
	return resp
}

func safeHandle(ctx context.Context, h Handler, req *jsonrpc.Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mcperr.RecoverPanic(r)
		}
	}()
	return h.Handle(ctx, req.Method, req.Params)
}
