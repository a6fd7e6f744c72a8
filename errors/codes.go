package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, substrate temporarily disconnected.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed envelopes, unknown methods, application errors.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or bookkeeping faults.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the transport taxonomy.
const (
	// Transient errors
	ErrCodeConnection  ErrorCode = "CONNECTION_ERROR"      // Cannot establish or lost the substrate connection
	ErrCodeUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE" // Publish attempted while disconnected
	ErrCodeTimeout     ErrorCode = "REQUEST_TIMEOUT"       // No reply within the deadline
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"          // Server shed the request for lack of capacity

	// Permanent errors
	ErrCodeProtocol     ErrorCode = "PROTOCOL_ERROR"    // Malformed envelope or misuse of a role
	ErrCodeApplication  ErrorCode = "APPLICATION_ERROR" // Peer handler returned a domain error
	ErrCodeCancelled    ErrorCode = "CANCELLED"         // Caller cancelled the wait
	ErrCodeClosed       ErrorCode = "CLOSED"            // Component was closed
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"         // Method, task or service does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"     // Malformed or invalid input

	// Internal errors
	ErrCodeCorrelationMismatch ErrorCode = "CORRELATION_MISMATCH" // Reply for an unknown or expired request
	ErrCodeInternal            ErrorCode = "INTERNAL"             // Unexpected internal error
	ErrCodePanic               ErrorCode = "PANIC"                // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeConnection, ErrCodeUnavailable, ErrCodeTimeout, ErrCodeRateLimited:
		return CategoryTransient

	case ErrCodeProtocol, ErrCodeApplication, ErrCodeCancelled, ErrCodeClosed,
		ErrCodeNotFound, ErrCodeInvalidInput:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeConnection:          "substrate connection failed",
	ErrCodeUnavailable:         "transport unavailable",
	ErrCodeTimeout:             "request timed out",
	ErrCodeRateLimited:         "rate limited",
	ErrCodeProtocol:            "protocol error",
	ErrCodeApplication:         "application error",
	ErrCodeCancelled:           "request cancelled",
	ErrCodeClosed:              "closed",
	ErrCodeNotFound:            "not found",
	ErrCodeInvalidInput:        "invalid input",
	ErrCodeCorrelationMismatch: "reply does not match any pending request",
	ErrCodeInternal:            "internal error",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
