// Package service defines the capability interface implemented by every
// pluggable ECP service, global or workspace-scoped. The core routes
// requests to services by method namespace and never interprets their
// results.
package service

import (
	"context"
	"encoding/json"
)

// Scope tags where a service instance lives.
type Scope int

const (
	// ScopeGlobal services are owned by the server for its lifetime.
	ScopeGlobal Scope = iota
	// ScopeWorkspace services are owned by one workspace bundle and die
	// with it.
	ScopeWorkspace
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeWorkspace:
		return "workspace"
	default:
		return "unknown"
	}
}

// Service is the contract between the routing core and a capability
// provider. Handle must return either a JSON-serializable result or an
// error; protocol-visible failures should be *ecp.Error values
// (MethodNotFound, InvalidParams, ServerError), anything else is surfaced
// as an internal error.
type Service interface {
	// Namespace returns the method-name prefix this service answers.
	Namespace() string

	// Scope reports whether the service is global or workspace-bound.
	Scope() Scope

	// BridgeDelegated reports whether method handling is forwarded
	// verbatim to an external subprocess. The router injects the
	// caller's workspace id and path into params before dispatching to
	// a delegated service.
	BridgeDelegated() bool

	// Handle processes one routed request.
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

	// Init is called once after construction, before any Handle call.
	Init(ctx context.Context) error

	// Shutdown is called once before destruction. No Handle call is
	// made afterwards.
	Shutdown(ctx context.Context) error
}
