// Package mcptransport binds the NATS stream adapter to the MCP Go SDK.
//
//	server := mcp.NewServer(&mcp.Implementation{Name: "echo"}, nil)
//	t := &mcptransport.ServerTransport{Bus: b, Config: transport.ServerConfig{Service: "mcp.service"}}
//	session, err := server.Connect(ctx, t, mcptransport.SharedSessionOptions())
//
//	client := mcp.NewClient(&mcp.Implementation{Name: "caller"}, nil)
//	cs, err := client.Connect(ctx, &mcptransport.ClientTransport{Bus: b, Config: ...}, nil)
package mcptransport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/transport"
)

// ProtocolVersion is announced by SharedSessionOptions.
const ProtocolVersion = "2025-06-18"

// errRejected matches the SDK's "rejected by transport" code. Write errors
// carrying it fail one message instead of tearing down the session.
var errRejected = &jsonrpc.Error{Code: -32005, Message: "rejected by transport"}

// ClientTransport is an mcp.Transport for the client role.
type ClientTransport struct {
	Bus    bus.MessageBus
	Config transport.ClientConfig
}

// Connect dials the service and returns the connection.
func (t *ClientTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := transport.Dial(t.Bus, t.Config)
	if err != nil {
		return nil, err
	}
	return &connection{conn: c, sessionID: c.ClientID()}, nil
}

// ServerTransport is an mcp.Transport for the server role.
type ServerTransport struct {
	Bus    bus.MessageBus
	Config transport.ServerConfig
}

// Connect joins the service queue group and returns the connection.
func (t *ServerTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := transport.Listen(t.Bus, t.Config)
	if err != nil {
		return nil, err
	}
	return &connection{conn: s, sessionID: s.InstanceID()}, nil
}

// SharedSessionOptions returns server session options whose state is
// already initialized. Any queue-group member can then serve a client
// whose initialize request was answered by another instance.
func SharedSessionOptions() *mcp.ServerSessionOptions {
	return &mcp.ServerSessionOptions{
		State: &mcp.ServerSessionState{
			InitializeParams: &mcp.InitializeParams{
				ProtocolVersion: ProtocolVersion,
				ClientInfo:      &mcp.Implementation{Name: "mcpnats-shared", Version: "1"},
				Capabilities:    &mcp.ClientCapabilities{},
			},
		},
	}
}

// connection adapts a transport.Conn to mcp.Connection.
type connection struct {
	conn      transport.Conn
	sessionID string
}

func (c *connection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.conn.Read(ctx)
	if errors.Is(err, io.EOF) {
		return nil, mcp.ErrConnectionClosed
	}
	return msg, err
}

func (c *connection) Write(ctx context.Context, msg jsonrpc.Message) error {
	err := c.conn.Write(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrClosed):
		return mcp.ErrConnectionClosed
	case mcperr.IsTransient(err), mcperr.Is(err, mcperr.ErrCodeProtocol):
		// The session survives; only this message is lost.
		return fmt.Errorf("%w: %w", errRejected, err)
	default:
		return err
	}
}

func (c *connection) Close() error {
	return c.conn.Close()
}

func (c *connection) SessionID() string {
	return c.sessionID
}
