// Package ecp defines the wire types for the ECP protocol, a JSON-RPC 2.0
// dialect spoken between the server and its clients over a persistent,
// message-oriented connection. One JSON document per frame.
package ecp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the JSON-RPC protocol version carried in every frame.
const Version = "2.0"

// RequestID is a JSON-RPC request correlator: either a string or an integer.
// The raw bytes of the originating id are preserved so responses echo it
// verbatim, including its variant.
type RequestID struct {
	raw json.RawMessage
}

// UnmarshalJSON validates and captures the id bytes.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		id.raw = nil
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		if strings.ContainsAny(n.String(), ".eE") {
			return fmt.Errorf("fractional id not allowed: %s", n)
		}
	}

	id.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// MarshalJSON emits the captured bytes unchanged, or null when absent.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// IsZero reports whether no id was captured.
func (id RequestID) IsZero() bool {
	return id.raw == nil
}

// String renders the id for logging.
func (id RequestID) String() string {
	if id.raw == nil {
		return "<none>"
	}
	return string(id.raw)
}

// Request is an inbound JSON-RPC request or notification frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the frame carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil || r.ID.IsZero()
}

// Response is an outbound JSON-RPC response frame. Exactly one of Result and
// Error is set. The ID field is always emitted; a nil pointer marshals to
// null, used when the originating id itself was unparseable.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *RequestID  `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// NewResponse builds a success response correlated to the given id.
func NewResponse(id *RequestID, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response correlated to the given id,
// which may be nil when the request id could not be parsed.
func NewErrorResponse(id *RequestID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Notification is a server-to-client push frame. It never carries an id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification builds a notification frame.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Namespace returns the first-level routing key of a method name: the text
// before the first '/'. A method without a '/' is its own namespace.
func Namespace(method string) string {
	if i := strings.IndexByte(method, '/'); i >= 0 {
		return method[:i]
	}
	return method
}
