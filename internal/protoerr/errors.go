// Package protoerr defines the error taxonomy shared by the framed I/O,
// JSON-RPC, DAP, and MCP layers. It generalizes the teacher's
// transport.OperationError/ErrorType/ErrorCode triad to the smaller, protocol-
// centric set of failure kinds the driver core needs.
package protoerr

import "fmt"

// Kind is a stable, comparable error category. Callers should switch on Kind,
// not on the formatted message.
type Kind string

const (
	// TransportClosed means the underlying stream reached end-of-stream or
	// was closed locally.
	TransportClosed Kind = "transport_closed"
	// TransportFailed means the underlying stream returned an I/O error.
	TransportFailed Kind = "transport_failed"
	// InvalidData means framing or JSON parsing failed, or the decoded
	// envelope was semantically invalid.
	InvalidData Kind = "invalid_data"
	// EncodeFailed means an outbound value could not be serialized.
	EncodeFailed Kind = "encode_failed"
	// ProtocolError means the peer violated the wire contract.
	ProtocolError Kind = "protocol_error"
	// Cancelled means local cancellation: driver shutdown or a caller
	// cancelling its own context.
	Cancelled Kind = "cancelled"
	// Timedout means a waiter's deadline elapsed before a reply arrived.
	Timedout Kind = "timedout"
	// PeerError means the peer returned a JSON-RPC/DAP error envelope.
	PeerError Kind = "peer_error"
	// NotSupported means method-not-found, or a server-side unhandled
	// method.
	NotSupported Kind = "not_supported"
)

// Error is the concrete error type returned across the driver, DAP client,
// and MCP server boundaries. It mirrors the teacher's OperationError shape:
// a stable Kind, an optional fine-grained Code, a human Message, and
// free-form Details for diagnostics.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// PeerCode carries the peer's own error code, set only for PeerError.
	PeerCode int
	Details  map[string]any
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is comparisons against a bare Kind sentinel created via
// New(kind, "", ""): only Kind is compared.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewPeer builds a PeerError carrying the peer's own code and message
// verbatim, per the propagation policy in §7: "code and message verbatim".
func NewPeer(code int, message string) *Error {
	return &Error{Kind: PeerError, Code: "PEER", Message: message, PeerCode: code}
}

// WithDetails attaches diagnostic key/value pairs and returns the receiver
// for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if ok := asError(err, &pe); ok {
		return pe.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
