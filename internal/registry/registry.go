// Package registry owns every open workspace: a keyed store of workspace
// resource bundles with reference counting, path-based deduplication, and
// single-workspace-per-connection enforcement.
//
// The registry's three maps (id -> entry, canonical path -> id, client id
// -> id) are the only cross-connection mutable state in the core. They are
// mutated under one short-lived lock; service Init and Shutdown calls, which
// may block arbitrarily, always happen with the lock released.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
)

// Workspace is one open project directory: an opaque id, the canonical
// path, the workspace-scoped service instances bound to that path, and the
// workspace's notification channel. The bundle is owned exclusively by the
// registry; other components refer to it only through its id.
type Workspace struct {
	ID       string
	Path     string
	Services []service.Service
	Notifier *broadcast.Broadcaster
}

// ServiceFactory constructs the workspace-scoped service set for a path.
// Services may publish notifications for their workspace through notifier.
type ServiceFactory func(path string, notifier *broadcast.Broadcaster) []service.Service

type entry struct {
	ws   *Workspace
	refs int
}

// Registry tracks open workspaces and the clients holding them.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry  // workspace id -> entry (refs > 0)
	pathToID  map[string]string  // canonical path -> workspace id
	clientTo  map[string]string  // client id -> workspace id
	factory   ServiceFactory
	notifyCap int
	log       *logger.Logger
}

// New creates an empty registry. notifyCap bounds each workspace
// notification channel; 0 selects the broadcast default.
func New(factory ServiceFactory, notifyCap int) *Registry {
	if factory == nil {
		factory = func(string, *broadcast.Broadcaster) []service.Service { return nil }
	}
	return &Registry{
		entries:   make(map[string]*entry),
		pathToID:  make(map[string]string),
		clientTo:  make(map[string]string),
		factory:   factory,
		notifyCap: notifyCap,
		log:       logger.Global().WithScope("registry"),
	}
}

// Open opens the workspace at path for the given client, or joins the
// existing one if the canonical path is already registered. Returns the
// bundle and a fresh subscription to its notification channel.
//
// Fails with InvalidRequest if the client already holds a workspace.
func (r *Registry) Open(ctx context.Context, path, clientID string) (*Workspace, *broadcast.Subscription, error) {
	canonical := Canonicalize(path)

	// Fast path: join an existing bundle, all under the lock.
	r.mu.Lock()
	if _, ok := r.clientTo[clientID]; ok {
		r.mu.Unlock()
		return nil, nil, ecp.NewError(ecp.CodeInvalidRequest,
			"client already has an open workspace; close it first")
	}
	if id, ok := r.pathToID[canonical]; ok {
		e := r.entries[id]
		e.refs++
		r.clientTo[clientID] = id
		sub := e.ws.Notifier.Subscribe()
		refs := e.refs
		r.mu.Unlock()
		r.log.Info("Client %s joined workspace %s (%s), refs=%d", clientID, id, canonical, refs)
		return e.ws, sub, nil
	}
	r.mu.Unlock()

	// Slow path: build a fresh bundle with no lock held, since service
	// initialization can block indefinitely.
	ws := &Workspace{
		ID:       newWorkspaceID(),
		Path:     canonical,
		Notifier: broadcast.New(r.notifyCap),
	}
	ws.Services = r.factory(canonical, ws.Notifier)

	if err := initServices(ctx, ws); err != nil {
		ws.Notifier.Close()
		return nil, nil, ecp.NewError(ecp.CodeServerError,
			"workspace initialization failed: %s", err.Error())
	}

	// Re-check under the lock: another client may have opened the same
	// path (or this client another path) while we were initializing.
	r.mu.Lock()
	if _, ok := r.clientTo[clientID]; ok {
		r.mu.Unlock()
		r.discard(ctx, ws)
		return nil, nil, ecp.NewError(ecp.CodeInvalidRequest,
			"client already has an open workspace; close it first")
	}
	if id, ok := r.pathToID[canonical]; ok {
		e := r.entries[id]
		e.refs++
		r.clientTo[clientID] = id
		sub := e.ws.Notifier.Subscribe()
		r.mu.Unlock()
		r.discard(ctx, ws)
		return e.ws, sub, nil
	}

	r.entries[ws.ID] = &entry{ws: ws, refs: 1}
	r.pathToID[canonical] = ws.ID
	r.clientTo[clientID] = ws.ID
	sub := ws.Notifier.Subscribe()
	r.mu.Unlock()

	r.log.Info("Client %s opened workspace %s at %s", clientID, ws.ID, canonical)
	return ws, sub, nil
}

// Close releases the client's workspace, tearing the bundle down when the
// last holder leaves. Fails with InvalidRequest if the client holds none.
func (r *Registry) Close(ctx context.Context, clientID string) error {
	ws, err := r.release(clientID)
	if err != nil {
		return err
	}
	if ws != nil {
		r.teardown(ctx, ws)
	}
	return nil
}

// ClientDisconnected is Close for ungraceful disconnects: identical
// semantics, but silent when the client held no workspace.
func (r *Registry) ClientDisconnected(ctx context.Context, clientID string) {
	ws, err := r.release(clientID)
	if err != nil {
		return
	}
	if ws != nil {
		r.teardown(ctx, ws)
	}
}

// release removes the client mapping and decrements the refcount. It
// returns the bundle to tear down if the count reached zero. Map mutation
// only; no service calls.
func (r *Registry) release(clientID string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.clientTo[clientID]
	if !ok {
		return nil, ecp.NewError(ecp.CodeInvalidRequest, "client has no open workspace")
	}
	delete(r.clientTo, clientID)

	e := r.entries[id]
	if e == nil {
		// Maps out of sync would be a bug; fail loudly in logs but keep
		// the connection path recoverable.
		r.log.Error("client %s mapped to unknown workspace %s", clientID, id)
		return nil, nil
	}

	e.refs--
	if e.refs > 0 {
		return nil, nil
	}

	delete(r.entries, id)
	delete(r.pathToID, e.ws.Path)
	return e.ws, nil
}

// Get looks up a workspace bundle by id. Non-blocking, read-only; used on
// every workspace-scoped dispatch.
func (r *Registry) Get(workspaceID string) (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[workspaceID]
	if !ok {
		return nil, false
	}
	return e.ws, true
}

// WorkspaceFor returns the workspace id currently held by a client.
func (r *Registry) WorkspaceFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.clientTo[clientID]
	return id, ok
}

// Count returns the number of open workspaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ShutdownAll drains every entry out of the maps, then shuts the drained
// bundles down outside the lock. Used only at process shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	drained := make([]*Workspace, 0, len(r.entries))
	for _, e := range r.entries {
		drained = append(drained, e.ws)
	}
	r.entries = make(map[string]*entry)
	r.pathToID = make(map[string]string)
	r.clientTo = make(map[string]string)
	r.mu.Unlock()

	for _, ws := range drained {
		r.teardown(ctx, ws)
	}
}

// teardown shuts down a bundle's services and closes its channel. Must be
// called with the registry lock released.
func (r *Registry) teardown(ctx context.Context, ws *Workspace) {
	for _, svc := range ws.Services {
		if err := svc.Shutdown(ctx); err != nil {
			r.log.Warn("Service %s shutdown failed for workspace %s: %v",
				svc.Namespace(), ws.ID, err)
		}
	}
	ws.Notifier.Close()
	r.log.Info("Workspace %s (%s) torn down", ws.ID, ws.Path)
}

// discard tears down a freshly built bundle that lost the insertion race.
func (r *Registry) discard(ctx context.Context, ws *Workspace) {
	r.log.Debug("Discarding duplicate bundle for %s", ws.Path)
	r.teardown(ctx, ws)
}

func initServices(ctx context.Context, ws *Workspace) error {
	for i, svc := range ws.Services {
		if err := svc.Init(ctx); err != nil {
			// Unwind the services that already came up.
			for j := i - 1; j >= 0; j-- {
				_ = ws.Services[j].Shutdown(ctx)
			}
			return errors.Wrapf(err, "init %s service", svc.Namespace())
		}
	}
	return nil
}

// Canonicalize resolves a path to its canonical form, falling back to the
// absolute (or literal) path when resolution fails, e.g. for targets that
// do not exist yet.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func newWorkspaceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is not survivable for id generation.
		panic(fmt.Sprintf("rand.Read failed: %v", err))
	}
	return "ws_" + hex.EncodeToString(b[:])
}
