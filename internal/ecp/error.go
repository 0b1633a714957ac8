package ecp

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes.
const (
	CodeServerError          = -32000
	CodeServerNotInitialized = -32001
	CodeServerShuttingDown   = -32002
)

// Authentication error codes.
const (
	CodeNotAuthenticated   = -32010
	CodeInvalidToken       = -32011
	CodeHandshakeTimeout   = -32012
	CodeConnectionRejected = -32013
)

// Routing error codes. Chosen from a private block distinct from the
// standard range and from the auth block.
const (
	CodeNoWorkspace       = -32020
	CodeWorkspaceNotFound = -32021
)

// Error is a JSON-RPC error object. It implements the error interface so
// services can return it directly from Handle.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ecp error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code and message.
func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches auxiliary data to the error and returns it.
func (e *Error) WithData(data interface{}) *Error {
	e.Data = data
	return e
}

// MethodNotFound builds the canonical error for an unroutable method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "method not found: %s", method)
}

// InvalidParams builds an invalid-params error.
func InvalidParams(format string, args ...interface{}) *Error {
	return NewError(CodeInvalidParams, format, args...)
}

// AsError coerces any error into a protocol Error. Non-protocol errors are
// wrapped as InternalError; their message is surfaced, their chain is not.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(CodeInternalError, "%s", err.Error())
}

// IsMethodNotFound reports whether err is a protocol MethodNotFound error.
func IsMethodNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == CodeMethodNotFound
}
