// Package transport presents a NATS-carried JSON-RPC exchange as a duplex
// stream.
//
// # Overview
//
// The protocol layer sees a Conn with Read and Write. Both ends translate
// between JSON-RPC messages (github.com/modelcontextprotocol/go-sdk/jsonrpc)
// and bus messages, one complete JSON-RPC message per bus message.
//
// # Client
//
//	c, _ := transport.Dial(b, transport.ClientConfig{Service: "mcp.service"})
//	defer c.Close()
//	result, err := c.Call(ctx, "echo", map[string]string{"text": "hi"})
//
// Calls written to a ClientConn are published to <service>.<method> with a
// correlated reply subject. The reply, or an error response with the same
// id for timeouts and connection loss, comes back through Read. Server
// notifications on <service>.notifications.* are also delivered to Read.
//
// # Server
//
//	s, _ := transport.Listen(b, transport.ServerConfig{Service: "mcp.service"})
//	defer s.Close()
//	mux := transport.NewMux()
//	mux.HandleFunc("echo", echo)
//	transport.Serve(ctx, s, mux, transport.WithServeLogger(log))
//
// Every instance joins the queue group of the service, so each request is
// handled by exactly one instance. Responses written to a ServerConn go to
// the reply subject recorded for the call.
//
// # Malformed input
//
// Messages that do not decode are logged, counted, and discarded. The
// conn stays open.
package transport
