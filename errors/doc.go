// Package errors provides the structured error taxonomy of the NATS transport.
//
// # Error Categories
//
// Errors are classified into three categories:
//
//   - Transient: the substrate may recover (connection lost, request timeout)
//   - Permanent: retry will not help (protocol errors, application errors)
//   - Internal: bookkeeping faults that never reach a caller
//
// # Error Codes
//
//   - CONNECTION_ERROR: cannot establish, or lost, the substrate connection
//   - TRANSPORT_UNAVAILABLE: publish attempted while disconnected
//   - REQUEST_TIMEOUT: no reply within the request deadline
//   - CORRELATION_MISMATCH: reply for an unknown or expired request
//   - PROTOCOL_ERROR: malformed envelope
//   - APPLICATION_ERROR: the peer's handler returned a domain error
//
// # JSON-RPC mapping
//
// ToWire maps any error onto a JSON-RPC error object and FromWire maps it
// back, so a caller on the far side of the substrate observes the same
// typed error:
//
//	resp.Error = errors.ToWire(err)
//	...
//	if errors.Is(errors.FromWire(wire), errors.ErrCodeTimeout) {
//	    // retry
//	}
package errors
