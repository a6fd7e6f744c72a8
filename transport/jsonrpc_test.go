package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
)

// pipeConn is an in-process Conn for exercising Serve without a bus.
type pipeConn struct {
	in  chan jsonrpc.Message
	out chan jsonrpc.Message
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan jsonrpc.Message, 10), out: make(chan jsonrpc.Message, 10)}
}

func (p *pipeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case m, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(_ context.Context, m jsonrpc.Message) error {
	p.out <- m
	return nil
}

func (p *pipeConn) Close() error { return nil }

func call(id float64, method, params string) *jsonrpc.Request {
	rid, _ := jsonrpc.MakeID(id)
	req := &jsonrpc.Request{ID: rid, Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func serveOne(t *testing.T, mux *Mux, req *jsonrpc.Request) *jsonrpc.Response {
	t.Helper()
	p := newPipeConn()
	p.in <- req
	close(p.in)
	require.NoError(t, Serve(context.Background(), p, mux))

	select {
	case m := <-p.out:
		resp, ok := m.(*jsonrpc.Response)
		require.True(t, ok)
		return resp
	default:
		return nil
	}
}

func wireCode(t *testing.T, err error) int64 {
	t.Helper()
	var w *jsonrpc.Error
	require.True(t, errors.As(err, &w), "not a wire error: %v", err)
	return w.Code
}

func TestServe_SuccessfulRequest(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("echo", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return params, nil
	})

	resp := serveOne(t, mux, call(1, "echo", `{"msg":"hello"}`))
	require.NotNil(t, resp)
	assert.NoError(t, resp.Error)
	assert.JSONEq(t, `{"msg":"hello"}`, string(resp.Result))
	assert.Equal(t, int64(1), resp.ID.Raw())
}

func TestServe_MethodNotFound(t *testing.T) {
	resp := serveOne(t, NewMux(), call(2, "missing", ""))
	require.NotNil(t, resp)
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), wireCode(t, resp.Error))
}

func TestServe_HandlerError(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("fail", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	resp := serveOne(t, mux, call(3, "fail", ""))
	require.NotNil(t, resp)
	assert.Equal(t, int64(jsonrpc.CodeInternalError), wireCode(t, resp.Error))
}

func TestServe_HandlerPanic(t *testing.T) {
	mux := NewMux()
	mux.HandleFunc("panic", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		panic("bad handler")
	})

	resp := serveOne(t, mux, call(4, "panic", ""))
	require.NotNil(t, resp)
	assert.Equal(t, int64(jsonrpc.CodeInternalError), wireCode(t, resp.Error))
}

func TestServe_NotificationNotAnswered(t *testing.T) {
	got := make(chan string, 1)
	mux := NewMux()
	mux.HandleFunc("notifications/initialized", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		got <- method
		return nil, nil
	})

	resp := serveOne(t, mux, &jsonrpc.Request{Method: "notifications/initialized"})
	assert.Nil(t, resp)
	assert.Equal(t, "notifications/initialized", <-got)
}

// brokenConn fails every write.
type brokenConn struct{ *pipeConn }

func (brokenConn) Write(context.Context, jsonrpc.Message) error {
	return errors.New("reply subject gone")
}

func TestServe_ReplyWriteFailureLoggedAndCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	var buf bytes.Buffer
	log := logging.New()
	log.SetOutput(&buf)
	log.SetFormat(logging.FormatJSON)

	mux := NewMux()
	mux.HandleFunc("echo", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return params, nil
	})
	conn := brokenConn{newPipeConn()}
	conn.in <- call(7, "echo", `{}`)
	close(conn.in)
	require.NoError(t, Serve(context.Background(), conn, mux, WithServeLogger(log), WithServeMetrics(m)))

	expected := `
# HELP mcpnats_server_reply_errors_total Responses that could not be published to the caller
# TYPE mcpnats_server_reply_errors_total counter
mcpnats_server_reply_errors_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mcpnats_server_reply_errors_total"))
	out := buf.String()
	assert.Contains(t, out, "reply not written")
	assert.Contains(t, out, `"method":"echo"`)
	assert.Contains(t, out, `"id":"7"`)
	assert.Contains(t, out, "reply subject gone")
}

func TestServe_ContextCancel(t *testing.T) {
	p := newPipeConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Serve(ctx, p, NewMux()), context.Canceled)
}

func TestMux_Methods(t *testing.T) {
	mux := NewMux()
	noop := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) { return nil, nil }
	mux.HandleFunc("tools/call", noop)
	mux.HandleFunc("echo", noop)
	mux.HandleFunc("echo", noop)

	assert.Equal(t, []string{"echo", "tools/call"}, mux.Methods())
	_, ok := mux.Lookup("echo")
	assert.True(t, ok)
	_, ok = mux.Lookup("nope")
	assert.False(t, ok)
}

func TestQueue_ReadAfterClose(t *testing.T) {
	q := newQueue(1)
	assert.True(t, q.close())
	assert.False(t, q.close())
	assert.False(t, q.push(&jsonrpc.Request{Method: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}
