package errors

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC codes used for transport faults. They sit in the
// implementation-defined server error range (-32000 to -32099).
const (
	RPCCodeRequestTimeout       int64 = -32010
	RPCCodeTransportUnavailable int64 = -32011
	RPCCodeConnection           int64 = -32012
	RPCCodeCancelled            int64 = -32013
	RPCCodeClosed               int64 = -32014
	RPCCodeRateLimited          int64 = -32015
)

// metaRPCCode is the metadata key carrying the peer's wire code on
// APPLICATION_ERROR values.
const metaRPCCode = "rpc_code"

// RPCCode returns the JSON-RPC error code for an ErrorCode.
func (c ErrorCode) RPCCode() int64 {
	switch c {
	case ErrCodeTimeout:
		return RPCCodeRequestTimeout
	case ErrCodeUnavailable:
		return RPCCodeTransportUnavailable
	case ErrCodeConnection:
		return RPCCodeConnection
	case ErrCodeCancelled:
		return RPCCodeCancelled
	case ErrCodeClosed:
		return RPCCodeClosed
	case ErrCodeRateLimited:
		return RPCCodeRateLimited
	case ErrCodeProtocol:
		return jsonrpc.CodeInvalidRequest
	case ErrCodeNotFound:
		return jsonrpc.CodeMethodNotFound
	case ErrCodeInvalidInput:
		return jsonrpc.CodeInvalidParams
	default:
		return jsonrpc.CodeInternalError
	}
}

// codeForRPC is the inverse of RPCCode for the transport's own codes.
func codeForRPC(code int64) (ErrorCode, bool) {
	switch code {
	case RPCCodeRequestTimeout:
		return ErrCodeTimeout, true
	case RPCCodeTransportUnavailable:
		return ErrCodeUnavailable, true
	case RPCCodeConnection:
		return ErrCodeConnection, true
	case RPCCodeCancelled:
		return ErrCodeCancelled, true
	case RPCCodeClosed:
		return ErrCodeClosed, true
	case RPCCodeRateLimited:
		return ErrCodeRateLimited, true
	}
	return "", false
}

// ToWire converts any error into a JSON-RPC wire error.
// A wire error already in the chain is returned as-is, an APPLICATION_ERROR
// keeps its peer code, and other structured errors use ErrorCode.RPCCode.
func ToWire(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		if te.code == ErrCodeApplication {
			var wire *jsonrpc.Error
			if errors.As(te, &wire) {
				return wire
			}
			if s, ok := te.metadata[metaRPCCode]; ok {
				if code, perr := strconv.ParseInt(s, 10, 64); perr == nil {
					return &jsonrpc.Error{Code: code, Message: te.message}
				}
			}
		}
		w := &jsonrpc.Error{Code: te.code.RPCCode(), Message: te.Error()}
		if data, merr := json.Marshal(map[string]string{"code": string(te.code)}); merr == nil {
			w.Data = data
		}
		return w
	}

	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return wire
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
}

// FromWire converts a wire error received from a peer. Codes produced by
// this transport come back as their typed errors; anything else is an
// APPLICATION_ERROR that wraps the wire error.
func FromWire(w *jsonrpc.Error) *Error {
	if w == nil {
		return nil
	}
	if code, ok := codeForRPC(w.Code); ok {
		return New(code, code.Description(), WithCause(w))
	}
	return New(ErrCodeApplication, ErrCodeApplication.Description(),
		WithCause(w),
		WithMetadata(metaRPCCode, strconv.FormatInt(w.Code, 10)),
	)
}

// Application creates an APPLICATION_ERROR carrying a JSON-RPC code.
// Handlers return it to control the code their caller observes.
func Application(code int64, message string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata(metaRPCCode, strconv.FormatInt(code, 10))}, opts...)
	return New(ErrCodeApplication, message, opts...)
}

// RPCCodeOf returns the JSON-RPC code an error maps to on the wire.
func RPCCodeOf(err error) int64 {
	w := ToWire(err)
	if w == nil {
		return 0
	}
	return w.Code
}
