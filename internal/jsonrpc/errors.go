package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// Implementation-defined server error codes (-32000 to -32099).

	// ErrorCodeHandlerError indicates a capability handler failed or returned
	// an explicit failure result.
	ErrorCodeHandlerError ErrorCode = -32000
	// ErrorCodeSessionNotFound indicates the presented session id referenced a
	// session that expired or never existed. Clients should re-handshake.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeInvalidSession indicates a missing or malformed session id.
	// Distinct from ErrorCodeSessionNotFound so clients can tell a client bug
	// apart from an expired session.
	ErrorCodeInvalidSession ErrorCode = -32002
)

// Kind returns a short machine-readable name for the code. It is embedded in
// error payload data so clients do not have to switch on numeric codes.
func (c ErrorCode) Kind() string {
	switch c {
	case ErrorCodeParseError:
		return "parse_error"
	case ErrorCodeInvalidRequest:
		return "invalid_request"
	case ErrorCodeMethodNotFound:
		return "not_found"
	case ErrorCodeInvalidParams:
		return "validation_error"
	case ErrorCodeInternalError:
		return "internal_error"
	case ErrorCodeHandlerError:
		return "handler_error"
	case ErrorCodeSessionNotFound:
		return "session_not_found"
	case ErrorCodeInvalidSession:
		return "invalid_session"
	default:
		return "unknown"
	}
}
