package mcptransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/transport"
)

const service = "mcp.service"

type echoArgs struct {
	Text string `json:"text"`
}

func newEchoServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "v1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "returns its input"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, echoArgs, error) {
			return nil, in, nil
		})
	return server
}

func connectClient(t *testing.T, ctx context.Context, b bus.MessageBus) *mcp.ClientSession {
	t.Helper()
	client := mcp.NewClient(&mcp.Implementation{Name: "caller", Version: "v1"}, nil)
	cs, err := client.Connect(ctx, &ClientTransport{
		Bus:    b,
		Config: transport.ClientConfig{Service: service, Timeout: 5 * time.Second},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func callEcho(t *testing.T, ctx context.Context, cs *mcp.ClientSession, text string) {
	t.Helper()
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": text},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"text":"`+text+`"}`, tc.Text)
}

func TestSDKRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	ss, err := newEchoServer().Connect(ctx, &ServerTransport{
		Bus:    b,
		Config: transport.ServerConfig{Service: service},
	}, nil)
	require.NoError(t, err)
	defer ss.Close()

	cs := connectClient(t, ctx, b)
	callEcho(t, ctx, cs, "hi")

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)
}

func TestSDKSharedSessionsAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	server := newEchoServer()
	for _, id := range []string{"one", "two"} {
		ss, err := server.Connect(ctx, &ServerTransport{
			Bus:    b,
			Config: transport.ServerConfig{Service: service, InstanceID: id},
		}, SharedSessionOptions())
		require.NoError(t, err)
		defer ss.Close()
	}

	cs := connectClient(t, ctx, b)
	for _, text := range []string{"a", "b", "c", "d"} {
		callEcho(t, ctx, cs, text)
	}
}

func TestConnection_ReadAfterCloseIsConnectionClosed(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	conn, err := (&ClientTransport{Bus: b, Config: transport.ClientConfig{Service: service}}).Connect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.SessionID())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err = conn.Read(context.Background())
	assert.ErrorIs(t, err, mcp.ErrConnectionClosed)
}

func TestConnection_TransientWriteIsRejected(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	conn, err := (&ServerTransport{Bus: b, Config: transport.ServerConfig{Service: service, InstanceID: "i1"}}).Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "i1", conn.SessionID())

	b.SimulateDisconnect()
	err = conn.Write(context.Background(), &jsonrpc.Request{Method: "notifications/progress"})
	require.Error(t, err)
	var wire *jsonrpc.Error
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, int64(-32005), wire.Code)
}

func TestConnect_CancelledContext(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&ClientTransport{Bus: b, Config: transport.ClientConfig{Service: service}}).Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
