package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/config"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/mcptransport"
	"github.com/vinayprograms/mcpnats/registry"
	"github.com/vinayprograms/mcpnats/shutdown"
	"github.com/vinayprograms/mcpnats/tasks"
	"github.com/vinayprograms/mcpnats/transport"
)

const testService = "mcp.service"

// lockedBuffer is a bytes.Buffer safe for one writer goroutine and a
// polling reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// serveDemo runs the demo methods on a memory bus and returns a client.
func serveDemo(t *testing.T) (*bus.MemoryBus, *transport.ClientConn) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	exec, err := tasks.NewExecutor(b, tasks.ExecutorConfig{Service: testService})
	require.NoError(t, err)
	t.Cleanup(func() { exec.Close() })
	require.NoError(t, exec.ServeStatus())

	srv, err := transport.Listen(b, transport.ServerConfig{Service: testService})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		transport.Serve(ctx, srv, demoMux(exec))
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-served
	})

	client, err := transport.Dial(b, transport.ClientConfig{Service: testService, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return b, client
}

func TestDemoEcho(t *testing.T) {
	_, client := serveDemo(t)

	res, err := client.Call(context.Background(), "echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(res))

	res, err = client.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))
}

func TestDemoFail(t *testing.T) {
	_, client := serveDemo(t)

	_, err := client.Call(context.Background(), "fail", map[string]interface{}{"code": -32042, "message": "nope"})
	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeApplication))
	assert.Equal(t, int64(-32042), mcperr.RPCCodeOf(err))
}

func TestDemoSleepInline(t *testing.T) {
	_, client := serveDemo(t)

	res, err := client.Call(context.Background(), "sleep", map[string]interface{}{"seconds": 0.02, "steps": 2})
	require.NoError(t, err)
	var out sleepResult
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, 2, out.Steps)

	_, err = client.Call(context.Background(), "sleep", map[string]interface{}{"seconds": -1})
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeInvalidInput))
}

func TestLimitDemoMux(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	exec, err := tasks.NewExecutor(b, tasks.ExecutorConfig{Service: testService})
	require.NoError(t, err)
	defer exec.Close()

	cfg := config.Default()
	cfg.Limits.Methods = map[string]config.Limit{"echo": {Capacity: 1, Window: time.Hour}}
	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: time.Second})
	mux := demoMux(exec)
	require.NoError(t, limit(cfg, nil, b, nil, mux, coord))

	echo, ok := mux.Lookup("echo")
	require.True(t, ok)
	_, err = echo.Handle(context.Background(), "echo", nil)
	require.NoError(t, err)
	_, err = echo.Handle(context.Background(), "echo", nil)
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeRateLimited), "got %v", err)

	fail, _ := mux.Lookup("fail")
	_, err = fail.Handle(context.Background(), "fail", nil)
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeApplication), "unlisted methods are not limited")

	require.NoError(t, coord.Shutdown(context.Background()))
}

func TestCallAsyncPrintsProgressAndResult(t *testing.T) {
	_, client := serveDemo(t)
	tracker, err := tasks.NewTracker(client, tasks.TrackerConfig{})
	require.NoError(t, err)
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = callAsync(ctx, &out, tracker, "sleep", json.RawMessage(`{"seconds":0.04,"steps":4}`), true)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "accepted")
	assert.Contains(t, text, "step 4 of 4")
	assert.Contains(t, text, `"steps": 4`)
	assert.Zero(t, tracker.Len(), "task is acknowledged after the result")
}

func TestCallAsyncFailure(t *testing.T) {
	_, client := serveDemo(t)
	tracker, err := tasks.NewTracker(client, tasks.TrackerConfig{})
	require.NoError(t, err)
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = callAsync(ctx, &out, tracker, "sleep", json.RawMessage(`{"seconds":-1}`), false)
	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeInvalidInput))
	assert.Contains(t, out.String(), "failed")
}

func TestPrintJSON(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "null\n"},
		{raw: `{"a":1}`, want: "{\n  \"a\": 1\n}\n"},
		{raw: `not json`, want: "not json\n"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		require.NoError(t, printJSON(&out, json.RawMessage(tt.raw)))
		assert.Equal(t, tt.want, out.String())
	}
}

func TestPrintTask(t *testing.T) {
	var out bytes.Buffer
	printTask(&out, &tasks.Task{ID: "t1", Status: tasks.StatusProgressed, Progress: 1, Total: 4, Message: "quarter"})
	printTask(&out, &tasks.Task{ID: "t1", Status: tasks.StatusFailed, Error: &jsonrpc.Error{Code: -32000, Message: "boom"}})
	printTask(&out, &tasks.Task{ID: "t1", Status: tasks.StatusRunning})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[t1] progressed  25% quarter", lines[0])
	assert.Equal(t, "[t1] failed: boom (code -32000)", lines[1])
	assert.Equal(t, "[t1] running   0%", lines[2])
}

func TestPrintDescriptorsAndHits(t *testing.T) {
	desc := registry.ServiceDescriptor{
		Service:     testService,
		InstanceID:  "i1",
		Version:     "1.0.0",
		Description: "demo",
		Methods:     []string{"sleep", "echo"},
	}

	var out bytes.Buffer
	require.NoError(t, printDescriptors(&out, []registry.ServiceDescriptor{desc}))
	assert.Contains(t, out.String(), "SERVICE")
	assert.Contains(t, out.String(), "echo,sleep")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "-"), "zero LastSeen prints a dash")

	out.Reset()
	require.NoError(t, printHits(&out, []registry.SearchHit{{Descriptor: desc, Score: 1.5}}))
	assert.Contains(t, out.String(), "1.500")
	assert.Contains(t, out.String(), "demo")
}

func TestPrintPing(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPing(&out, testService, registry.PingResult{}))
	assert.Equal(t, "no instances of mcp.service answered\n", out.String())

	var reply registry.PingReply
	reply.Name = "mcp_service"
	reply.ID = "abc"
	reply.Version = "1.0.0"
	reply.RTT = 2 * time.Millisecond

	out.Reset()
	require.NoError(t, printPing(&out, testService, registry.PingResult{Replies: []registry.PingReply{reply}}))
	assert.Contains(t, out.String(), "abc")
	assert.Contains(t, out.String(), "1 instance(s), average 2ms")
}

func TestWatchReportsEventsAndSilence(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- watch(ctx, out, reg, 100*time.Millisecond, logging.Nop()) }()

	require.Eventually(t, func() bool {
		// Register until the watcher is attached.
		_ = reg.Register(registry.ServiceDescriptor{Service: testService, InstanceID: "i1"})
		return strings.Contains(out.String(), "mcp.service.i1")
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "silent")
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestMCPSessionOverMemoryBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	ss, err := newMCPServer("test").Connect(ctx, &mcptransport.ServerTransport{
		Bus:    b,
		Config: transport.ServerConfig{Service: testService},
	}, mcptransport.SharedSessionOptions())
	require.NoError(t, err)
	defer ss.Close()

	cfg := config.Default()
	cfg.Client.RequestTimeout = 5 * time.Second
	var out bytes.Buffer
	err = runSession(ctx, b, cfg, logging.Nop(), func(ctx context.Context, cs *mcp.ClientSession) error {
		res, err := cs.ListTools(ctx, nil)
		if err != nil {
			return err
		}
		if err := printTools(&out, res.Tools); err != nil {
			return err
		}
		call, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
		if err != nil {
			return err
		}
		return printToolResult(&out, call)
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "echo")
	assert.Contains(t, out.String(), `{"text":"hi"}`)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NATS_URL", "NATS_SERVICE_NAME", "NATS_CLIENT_ID", "NATS_QUEUE_GROUP", "NATS_REQUEST_TIMEOUT",
		"NATS_TOKEN", "NATS_USER", "NATS_PASSWORD", "NATS_CREDS", "MCPNATS_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestRootOptionsLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mcpnats.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: mcp.file\nnats:\n  url: nats://file:4222\n"), 0o600))

	opts := &rootOptions{configPath: path}
	cfg, log, err := opts.load()
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "mcp.file", cfg.Service.Name)
	assert.Equal(t, "nats://file:4222", cfg.NATS.URL)

	opts.service = "mcp.flag"
	opts.url = "nats://flag:4222"
	opts.logLevel = "debug"
	cfg, _, err = opts.load()
	require.NoError(t, err)
	assert.Equal(t, "mcp.flag", cfg.Service.Name)
	assert.Equal(t, "nats://flag:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts.service = "bad.*"
	_, _, err = opts.load()
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeInvalidInput))
}

func TestRootOptionsLoadCredentials(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile("credentials.toml", []byte("[nats]\ntoken = \"t0k\"\n"), 0o400))

	cfg, _, err := (&rootOptions{}).load()
	require.NoError(t, err)
	assert.Equal(t, "t0k", cfg.NATS.Token)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "mcpnats "+version+" ("+commit+")\n", out.String())
}

func TestCallRejectsInvalidParams(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"call", "echo", "{not json"})
	err := cmd.Execute()
	assert.True(t, mcperr.Is(err, mcperr.ErrCodeInvalidInput))
}
