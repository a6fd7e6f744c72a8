// Package bus manages the connection to the messaging substrate.
//
// # Overview
//
// The MessageBus interface exposes the substrate operations the MCP
// transport relies on: pub/sub with wildcards, queue groups, headers,
// reply inboxes and connection status. Subscriptions deliver through
// bounded channels; a full buffer drops the message and counts it.
//
// # Available Implementations
//
//   - NATSBus: NATS connection with exponential reconnect backoff
//   - MemoryBus: In-memory implementation for tests and single-process use
//
// # Connection Lifecycle
//
// Connect dials once and fails with CONNECTION_ERROR if the server is
// unreachable or rejects credentials. After that the client reconnects on
// its own, waiting Backoff.Delay(n) before attempt n:
//
//	Connected -> Disconnected -> Connected -> ... -> Closed
//
// While Disconnected every publish fails immediately with
// TRANSPORT_UNAVAILABLE; nothing is buffered for replay. Listeners
// registered with OnStatusChange see each transition once.
//
// Close drains in-flight deliveries, bounded by DrainTimeout, and then
// closes every subscription channel. Prefer WithConnection for scoped use:
//
//	err := bus.WithConnection(ctx, cfg, func(b *bus.NATSBus) error {
//	    return b.Publish("mcp.service.ping", data)
//	})
//
// # Queue Groups
//
// Server instances of one service subscribe with the same queue name so
// each request is handled by exactly one instance:
//
//	sub, _ := b.QueueSubscribe("mcp.service.*", "mcp.service")
package bus
