package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/correlator"
	mcperr "github.com/vinayprograms/mcpnats/errors"
)

const testService = "mcp.service"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	return b
}

func echoMux() *Mux {
	mux := NewMux()
	mux.HandleFunc("echo", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return params, nil
	})
	return mux
}

func startServer(t *testing.T, b bus.MessageBus, cfg ServerConfig, mux *Mux) *ServerConn {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = testService
	}
	s, err := Listen(b, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, s, mux)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		<-done
	})
	return s
}

func dial(t *testing.T, b bus.MessageBus, cfg ClientConfig) *ClientConn {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = testService
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	c, err := Dial(b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readResponse(t *testing.T, c Conn) *jsonrpc.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := c.Read(ctx)
	require.NoError(t, err)
	resp, ok := m.(*jsonrpc.Response)
	require.True(t, ok, "expected response, got %T", m)
	return resp
}

func TestEcho_Call(t *testing.T) {
	b := newBus(t)
	startServer(t, b, ServerConfig{}, echoMux())
	c := dial(t, b, ClientConfig{})

	result, err := c.Call(context.Background(), "echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(result))
	assert.Equal(t, 0, c.Pending())
}

func TestEcho_Stream(t *testing.T) {
	b := newBus(t)
	startServer(t, b, ServerConfig{Methods: []string{"echo"}}, echoMux())
	c := dial(t, b, ClientConfig{})

	require.NoError(t, c.Write(context.Background(), call(7, "echo", `{"text":"hi"}`)))

	resp := readResponse(t, c)
	assert.Equal(t, int64(7), resp.ID.Raw())
	assert.NoError(t, resp.Error)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Result))
}

func TestCall_NoInstanceTimesOut(t *testing.T) {
	b := newBus(t)
	c := dial(t, b, ClientConfig{Timeout: 2 * time.Second})

	start := time.Now()
	_, err := c.Call(context.Background(), "echo", nil)
	elapsed := time.Since(start)

	assert.True(t, mcperr.Is(err, mcperr.ErrCodeTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestStream_TimeoutBecomesErrorResponse(t *testing.T) {
	b := newBus(t)
	c := dial(t, b, ClientConfig{Timeout: 50 * time.Millisecond})

	require.NoError(t, c.Write(context.Background(), call(9, "echo", "")))

	resp := readResponse(t, c)
	assert.Equal(t, int64(9), resp.ID.Raw())
	assert.Equal(t, mcperr.RPCCodeRequestTimeout, wireCode(t, resp.Error))
}

func TestQueueGroup_DistributesExactlyOnce(t *testing.T) {
	b := newBus(t)

	var a, z atomic.Int32
	counting := func(n *atomic.Int32) *Mux {
		mux := NewMux()
		mux.HandleFunc("echo", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
			n.Add(1)
			return params, nil
		})
		return mux
	}
	startServer(t, b, ServerConfig{InstanceID: "a"}, counting(&a))
	startServer(t, b, ServerConfig{InstanceID: "z"}, counting(&z))

	c := dial(t, b, ClientConfig{})
	for i := 0; i < 10; i++ {
		result, err := c.Call(context.Background(), "echo", map[string]int{"n": i})
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":`+string(rune('0'+i))+`}`, string(result))
	}

	assert.Equal(t, int32(10), a.Load()+z.Load())
	assert.Positive(t, a.Load())
	assert.Positive(t, z.Load())
}

func TestConcurrentClientsReusingIDs(t *testing.T) {
	b := newBus(t)
	startServer(t, b, ServerConfig{}, echoMux())

	var g errgroup.Group
	for _, text := range []string{"alpha", "beta", "gamma"} {
		text := text
		c := dial(t, b, ClientConfig{})
		g.Go(func() error {
			// Every client uses id 1.
			if err := c.Write(context.Background(), call(1, "echo", `{"text":"`+text+`"}`)); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			m, err := c.Read(ctx)
			if err != nil {
				return err
			}
			resp := m.(*jsonrpc.Response)
			var got map[string]string
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				return err
			}
			if got["text"] != text || resp.ID.Raw() != int64(1) {
				return errors.New("crossed reply for " + text)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestApplicationError(t *testing.T) {
	b := newBus(t)
	mux := NewMux()
	mux.HandleFunc("fail", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, mcperr.Application(-32050, "quota exceeded")
	})
	startServer(t, b, ServerConfig{}, mux)
	c := dial(t, b, ClientConfig{})

	_, err := c.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeApplication))
	assert.Equal(t, int64(-32050), mcperr.RPCCodeOf(err))
	assert.Equal(t, int64(-32050), wireCode(t, err))

	_, err = c.Call(context.Background(), "missing", nil)
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), mcperr.RPCCodeOf(err))
}

func TestServerNotificationReachesClient(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)
	defer s.Close()
	c := dial(t, b, ClientConfig{})

	note := &jsonrpc.Request{Method: "notifications/progress", Params: json.RawMessage(`{"progress":1}`)}
	require.NoError(t, s.Write(context.Background(), note))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := c.Read(ctx)
	require.NoError(t, err)
	req, ok := m.(*jsonrpc.Request)
	require.True(t, ok)
	assert.Equal(t, "notifications/progress", req.Method)
	assert.False(t, req.IsCall())
}

func TestClientNotificationReachesServer(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService, Methods: []string{"echo"}})
	require.NoError(t, err)
	defer s.Close()
	c := dial(t, b, ClientConfig{})

	require.NoError(t, c.Notify(context.Background(), "notifications/initialized", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "notifications/initialized", m.(*jsonrpc.Request).Method)
}

func TestCancelledNotificationRewritten(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)
	defer s.Close()
	c := dial(t, b, ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Write(ctx, call(5, "slow", "")))
	m, err := s.Read(ctx)
	require.NoError(t, err)
	serverID := m.(*jsonrpc.Request).ID.Raw()

	require.NoError(t, c.Notify(ctx, MethodCancelled, map[string]interface{}{"requestId": 5}))
	m, err = s.Read(ctx)
	require.NoError(t, err)

	var p struct {
		RequestID int64 `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(m.(*jsonrpc.Request).Params, &p))
	assert.Equal(t, serverID, p.RequestID)
}

type cancelParams struct {
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason"`
}

func TestCancelledNotificationFromOtherClientDropped(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)
	defer s.Close()
	owner := dial(t, b, ClientConfig{ClientID: "client-c"})
	other := dial(t, b, ClientConfig{ClientID: "client-a"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, owner.Write(ctx, call(42, "slow", "")))
	m, err := s.Read(ctx)
	require.NoError(t, err)
	serverID := m.(*jsonrpc.Request).ID.Raw()

	// client-a names the server-side id of client-c's call as its own.
	require.NoError(t, other.Notify(ctx, MethodCancelled, map[string]interface{}{"requestId": serverID, "reason": "other"}))
	require.NoError(t, owner.Notify(ctx, MethodCancelled, map[string]interface{}{"requestId": 42, "reason": "owner"}))

	m, err = s.Read(ctx)
	require.NoError(t, err)
	var p cancelParams
	require.NoError(t, json.Unmarshal(m.(*jsonrpc.Request).Params, &p))
	assert.Equal(t, "owner", p.Reason, "a cancellation matching no call of its sender must be dropped")
	assert.Equal(t, serverID, p.RequestID)

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	_, err = s.Read(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelledNotificationReachesOwningInstance(t *testing.T) {
	b := newBus(t)
	servers := make([]*ServerConn, 2)
	for i := range servers {
		s, err := Listen(b, ServerConfig{Service: testService, InstanceID: "instance-" + string(rune('a'+i))})
		require.NoError(t, err)
		defer s.Close()
		servers[i] = s
	}
	c := dial(t, b, ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type delivery struct {
		instance int
		msg      jsonrpc.Message
	}
	got := make(chan delivery, 4)
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		g.Go(func() error {
			for {
				m, err := s.Read(gctx)
				if err != nil {
					return nil
				}
				got <- delivery{i, m}
			}
		})
	}
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	next := func() delivery {
		t.Helper()
		select {
		case d := <-got:
			return d
		case <-time.After(time.Second):
			t.Fatal("nothing delivered")
			return delivery{}
		}
	}

	require.NoError(t, c.Write(ctx, call(1, "slow", "")))
	first := next()
	serverID := first.msg.(*jsonrpc.Request).ID.Raw()

	require.NoError(t, c.Notify(ctx, MethodCancelled, map[string]interface{}{"requestId": 1}))
	second := next()
	assert.Equal(t, first.instance, second.instance, "cancellation must reach the instance holding the call")
	var p cancelParams
	require.NoError(t, json.Unmarshal(second.msg.(*jsonrpc.Request).Params, &p))
	assert.Equal(t, serverID, p.RequestID)

	select {
	case d := <-got:
		t.Errorf("instance %d also received %v", d.instance, d.msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelSubjectAcceptsOnlyCancellations(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)
	defer s.Close()

	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: "notifications/initialized"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(testService+".cancel.client-a", data))

	require.Eventually(t, func() bool { return s.Stats().ProtocolErrors == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_MalformedMessageKeepsConnOpen(t *testing.T) {
	b := newBus(t)
	s := startServer(t, b, ServerConfig{}, echoMux())

	reply, err := b.Request(testService+".echo", []byte("not json"), time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(reply.Data), `"code":-32700`)

	c := dial(t, b, ClientConfig{})
	_, err = c.Call(context.Background(), "echo", map[string]string{"still": "open"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s.Stats().ProtocolErrors)
}

func TestClient_ParseErrorReplyResolvesCall(t *testing.T) {
	b := newBus(t)
	sub, err := b.Subscribe(testService + ".echo")
	require.NoError(t, err)
	go func() {
		for msg := range sub.Messages() {
			h := bus.Header{}
			h.Set(correlator.HeaderCorrelationID, msg.Header.Get(correlator.HeaderCorrelationID))
			_ = b.PublishMsg(&bus.Message{
				Subject: msg.Reply,
				Header:  h,
				Data:    []byte(`{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"}}`),
			})
		}
	}()

	c := dial(t, b, ClientConfig{})
	_, err = c.Call(context.Background(), "echo", nil)
	assert.Equal(t, int64(jsonrpc.CodeParseError), mcperr.RPCCodeOf(err))
}

func TestRoleMisuse(t *testing.T) {
	b := newBus(t)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)
	defer s.Close()
	c := dial(t, b, ClientConfig{})

	rid, _ := jsonrpc.MakeID(float64(1))
	err = c.Write(context.Background(), &jsonrpc.Response{ID: rid})
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeProtocol))

	err = s.Write(context.Background(), call(1, "sampling/createMessage", ""))
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeProtocol))

	err = s.Write(context.Background(), &jsonrpc.Response{ID: rid})
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeProtocol), "unknown id")
}

func TestClient_WriteWhileDisconnected(t *testing.T) {
	b := newBus(t)
	c := dial(t, b, ClientConfig{})
	b.SimulateDisconnect()

	err := c.Write(context.Background(), call(1, "echo", ""))
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeUnavailable), "got %v", err)
}

func TestClient_DisconnectFailsPendingCall(t *testing.T) {
	b := newBus(t)
	_, err := b.Subscribe(testService + ".slow")
	require.NoError(t, err)

	c := dial(t, b, ClientConfig{Timeout: time.Minute, DisconnectGrace: 20 * time.Millisecond})
	require.NoError(t, c.Write(context.Background(), call(3, "slow", "")))

	b.SimulateDisconnect()
	resp := readResponse(t, c)
	assert.Equal(t, int64(3), resp.ID.Raw())
	assert.Equal(t, mcperr.RPCCodeConnection, wireCode(t, resp.Error))
}

func TestClose_ReadReturnsEOF(t *testing.T) {
	b := newBus(t)
	c, err := Dial(b, ClientConfig{Service: testService})
	require.NoError(t, err)
	s, err := Listen(b, ServerConfig{Service: testService})
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { _, err := c.Read(context.Background()); errs <- err }()
	go func() { _, err := s.Read(context.Background()); errs <- err }()

	require.NoError(t, c.Close())
	require.NoError(t, s.Close())
	require.NoError(t, c.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, <-errs, io.EOF)
	assert.ErrorIs(t, <-errs, io.EOF)

	assert.ErrorIs(t, c.Write(context.Background(), call(1, "echo", "")), ErrClosed)
	assert.ErrorIs(t, s.Write(context.Background(), &jsonrpc.Request{Method: "notifications/x"}), ErrClosed)
}

func TestServer_Stats(t *testing.T) {
	b := newBus(t)
	mux := echoMux()
	mux.HandleFunc("fail", func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("nope")
	})
	s := startServer(t, b, ServerConfig{}, mux)
	c := dial(t, b, ClientConfig{})

	_, err := c.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), "fail", nil)
	require.Error(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Requests)
	assert.Equal(t, uint64(1), st.Errors)
	assert.Equal(t, 0, st.InFlight)
}

func TestInvalidConfig(t *testing.T) {
	b := newBus(t)

	_, err := Dial(b, ClientConfig{Service: ""})
	assert.Error(t, err)

	_, err = Listen(b, ServerConfig{Service: "mcp.*"})
	assert.Error(t, err)

	_, err = Listen(b, ServerConfig{Service: testService, Methods: []string{"a.b"}})
	assert.Error(t, err)
}
