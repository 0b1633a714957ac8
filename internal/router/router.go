// Package router dispatches every authenticated request: global services
// first, then the caller's workspace services, with the middleware chain
// wrapped around the whole thing.
package router

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/middleware"
	"github.com/zorz/ultra-ecp-sub000/internal/registry"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
)

// Lifecycle is the server's coarse lifecycle state, gating all dispatch.
type Lifecycle int32

const (
	// LifecycleUninitialized rejects requests with ServerNotInitialized.
	LifecycleUninitialized Lifecycle = iota
	// LifecycleRunning accepts requests.
	LifecycleRunning
	// LifecycleShuttingDown rejects requests with ServerShuttingDown.
	LifecycleShuttingDown
)

// RequestContext carries the caller's identity through one dispatch.
type RequestContext struct {
	// ClientID identifies the connection making the request.
	ClientID string
	// WorkspaceID is the caller's associated workspace, if any.
	WorkspaceID string

	// WorkspaceOpened, when set, receives the bundle and the fresh
	// notification subscription produced by a successful workspace/open,
	// so the transport can update its association without re-subscribing.
	WorkspaceOpened func(ws *registry.Workspace, sub *broadcast.Subscription)
	// WorkspaceClosed, when set, is invoked after a successful
	// workspace/close.
	WorkspaceClosed func()
}

// Router routes methods to services by namespace.
type Router struct {
	state    atomic.Int32
	chain    *middleware.Chain
	registry *registry.Registry
	log      *logger.Logger

	mu     sync.RWMutex
	global []service.Service // registration order

	// defaultWorkspace returns the process-wide default workspace id, or
	// empty when none is configured.
	defaultWorkspace func() string
}

// New creates a router over the given registry and middleware chain.
func New(reg *registry.Registry, chain *middleware.Chain, defaultWorkspace func() string) *Router {
	if chain == nil {
		chain = middleware.NewChain()
	}
	if defaultWorkspace == nil {
		defaultWorkspace = func() string { return "" }
	}
	return &Router{
		chain:            chain,
		registry:         reg,
		defaultWorkspace: defaultWorkspace,
		log:              logger.Global().WithScope("router"),
	}
}

// SetLifecycle moves the router to the given lifecycle state.
func (r *Router) SetLifecycle(s Lifecycle) {
	r.state.Store(int32(s))
}

// RegisterGlobal appends a global service in registration order. Setup
// time only.
func (r *Router) RegisterGlobal(svc service.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, svc)
}

// GlobalServices returns the registered global services.
func (r *Router) GlobalServices() []service.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Service, len(r.global))
	copy(out, r.global)
	return out
}

// Handle dispatches one request and returns its result or error. All
// protocol-visible failures are *ecp.Error values.
func (r *Router) Handle(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (interface{}, error) {
	switch Lifecycle(r.state.Load()) {
	case LifecycleRunning:
	case LifecycleShuttingDown:
		return nil, ecp.NewError(ecp.CodeServerShuttingDown, "server is shutting down")
	default:
		return nil, ecp.NewError(ecp.CodeServerNotInitialized, "server not initialized")
	}

	effective, feedback, blocked := r.chain.RunBefore(ctx, method, params)
	if blocked {
		return nil, ecp.NewError(ecp.CodeServerError, "%s", feedback)
	}
	params = effective

	var result interface{}
	var err error

	switch method {
	case ecp.MethodWorkspaceOpen:
		result, err = r.openWorkspace(ctx, params, rc)
	case ecp.MethodWorkspaceClose:
		result, err = r.closeWorkspace(ctx, rc)
	default:
		result, err = r.dispatch(ctx, method, params, rc)
	}

	if err != nil {
		return nil, err
	}

	// After-hooks observe successful dispatches only; they cannot change
	// the already-produced result.
	r.chain.RunAfter(ctx, method, params, result)
	return result, nil
}

func (r *Router) openWorkspace(ctx context.Context, params json.RawMessage, rc *RequestContext) (interface{}, error) {
	var p ecp.WorkspaceOpenParams
	if err := json.Unmarshal(params, &p); err != nil || p.Path == "" {
		return nil, ecp.InvalidParams("workspace/open requires a path")
	}
	if _, err := os.Stat(p.Path); err != nil {
		return nil, ecp.InvalidParams("path does not exist: %s", p.Path)
	}

	ws, sub, err := r.registry.Open(ctx, p.Path, rc.ClientID)
	if err != nil {
		return nil, ecp.AsError(err)
	}

	if rc.WorkspaceOpened != nil {
		rc.WorkspaceOpened(ws, sub)
	} else {
		sub.Close()
	}
	return ecp.WorkspaceOpenResult{WorkspaceID: ws.ID, Path: ws.Path}, nil
}

func (r *Router) closeWorkspace(ctx context.Context, rc *RequestContext) (interface{}, error) {
	if err := r.registry.Close(ctx, rc.ClientID); err != nil {
		return nil, ecp.AsError(err)
	}
	if rc.WorkspaceClosed != nil {
		rc.WorkspaceClosed()
	}
	return ecp.WorkspaceCloseResult{WorkspaceClosed: true}, nil
}

// dispatch runs the global scope, then the workspace scope.
func (r *Router) dispatch(ctx context.Context, method string, params json.RawMessage, rc *RequestContext) (interface{}, error) {
	result, err, handled, globalExactMiss := r.dispatchScope(ctx, r.GlobalServices(), method, params, rc)
	if handled {
		return result, err
	}

	wsID := rc.WorkspaceID
	if wsID == "" {
		wsID = r.defaultWorkspace()
	}
	if wsID == "" {
		if globalExactMiss {
			// The method's namespace does exist globally; the failure is
			// an unknown method, not a missing workspace.
			return nil, ecp.MethodNotFound(method)
		}
		return nil, ecp.NewError(ecp.CodeNoWorkspace, "no workspace associated with this connection")
	}

	ws, ok := r.registry.Get(wsID)
	if !ok {
		return nil, ecp.NewError(ecp.CodeWorkspaceNotFound, "workspace not found: %s", wsID)
	}

	result, err, handled, _ = r.dispatchScope(ctx, ws.Services, method, params, rc)
	if handled {
		return result, err
	}
	return nil, ecp.MethodNotFound(method)
}

// dispatchScope routes a method within one scope's service list.
//
// An exact namespace match is authoritative for that scope: its answer,
// including MethodNotFound, ends the scope without a fallback scan. Only
// when no exact match exists are the scope's services scanned in
// registration order, skipping those that answer MethodNotFound; this lets
// a service legitimately answer several unrelated namespaces.
//
// handled=false means the scope had no provider for the method and the
// caller should continue (next scope, or surface MethodNotFound).
// exactMiss reports that an exact-namespace provider existed but answered
// MethodNotFound, so the method's namespace is known to this scope.
func (r *Router) dispatchScope(ctx context.Context, services []service.Service, method string, params json.RawMessage, rc *RequestContext) (interface{}, error, bool, bool) {
	ns := ecp.Namespace(method)

	for _, svc := range services {
		if svc.Namespace() != ns {
			continue
		}
		result, err := r.invoke(ctx, svc, method, params, rc)
		if err != nil && ecp.IsMethodNotFound(err) {
			// Exact match exhausted this scope for the method; no
			// fallback into unrelated namespaces.
			return nil, nil, false, true
		}
		return result, err, true, false
	}

	for _, svc := range services {
		result, err := r.invoke(ctx, svc, method, params, rc)
		if err != nil && ecp.IsMethodNotFound(err) {
			continue
		}
		return result, err, true, false
	}

	return nil, nil, false, false
}

// invoke calls one service handler, injecting workspace context for
// bridge-delegated services. Service errors pass through uninterpreted.
func (r *Router) invoke(ctx context.Context, svc service.Service, method string, params json.RawMessage, rc *RequestContext) (interface{}, error) {
	if svc.BridgeDelegated() {
		injected, err := r.injectWorkspace(params, rc)
		if err != nil {
			return nil, ecp.AsError(err)
		}
		params = injected
	}

	result, err := svc.Handle(ctx, method, params)
	if err != nil {
		return nil, ecp.AsError(err)
	}
	return result, nil
}

// injectWorkspace adds the caller's effective workspace id and, when
// resolvable, its filesystem path to the params object.
func (r *Router) injectWorkspace(params json.RawMessage, rc *RequestContext) (json.RawMessage, error) {
	obj := make(map[string]interface{})
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, errors.Wrap(err, "delegated params must be an object")
		}
	}

	wsID := rc.WorkspaceID
	if wsID == "" {
		wsID = r.defaultWorkspace()
	}
	if wsID != "" {
		obj["workspaceId"] = wsID
		if ws, ok := r.registry.Get(wsID); ok {
			obj["workspacePath"] = ws.Path
		}
	}

	return json.Marshal(obj)
}
