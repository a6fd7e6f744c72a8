// Package correlator matches replies to requests over a connectionless bus.
//
// Every request gets a monotonic id that is never reused. The id travels in
// the Mcp-Correlation-Id header and, in inbox mode, as the last token of the
// reply subject:
//
//	_INBOX.<nuid>.<id>                   inbox mode (default)
//	<service>.response.<clientId>        durable mode
//
// A pending entry is resolved exactly once, by the first of:
//
//   - a matching reply
//   - its per-entry timer (REQUEST_TIMEOUT)
//   - caller cancellation (CANCELLED)
//   - a disconnect that outlasts DisconnectGrace (CONNECTION_ERROR)
//   - bus or correlator close (CLOSED)
//
// Replies for unknown ids are counted as mismatches and dropped.
//
// Usage:
//
//	c, err := correlator.New(b, correlator.Config{Timeout: 5 * time.Second})
//	msg, err := c.Send(ctx, "mcp.service.tools/call", data, 0)
package correlator
