// Package watcher is the workspace-scoped filesystem watch service. Clients
// register directories; filesystem changes are pushed to every subscriber of
// the workspace as watch/event notifications.
package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
)

// Namespace is the service's routing namespace.
const Namespace = "watch"

// Event is the payload of a watch/event notification.
type Event struct {
	// Path is relative to the workspace root.
	Path string `json:"path"`
	// Op is the change kind: create, write, remove, rename or chmod.
	Op string `json:"op"`
}

// Service watches directories inside one workspace.
type Service struct {
	root     string
	notifier *broadcast.Broadcaster
	log      *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string]struct{} // absolute watched directories

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watch service rooted at the workspace path.
func New(workspacePath string, notifier *broadcast.Broadcaster) *Service {
	return &Service{
		root:     workspacePath,
		notifier: notifier,
		log:      logger.Global().WithScope("watcher"),
		watched:  make(map[string]struct{}),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Service) Namespace() string     { return Namespace }
func (s *Service) Scope() service.Scope  { return service.ScopeWorkspace }
func (s *Service) BridgeDelegated() bool { return false }

// Init starts the watch loop. No directories are watched until a client
// asks for them.
func (s *Service) Init(context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher
	go s.loop()
	return nil
}

// Shutdown stops the watch loop and releases the OS watches.
func (s *Service) Shutdown(context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	err := s.watcher.Close()
	<-s.done
	return err
}

// Handle routes the watch/* methods.
func (s *Service) Handle(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "watch/add":
		return s.add(params)
	case "watch/remove":
		return s.remove(params)
	case "watch/list":
		return s.list(), nil
	default:
		return nil, ecp.MethodNotFound(method)
	}
}

type pathParams struct {
	Path string `json:"path"`
}

// resolve turns a workspace-relative path into an absolute one, refusing
// anything that escapes the workspace root.
func (s *Service) resolve(rel string) (string, error) {
	abs := filepath.Join(s.root, rel)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", ecp.InvalidParams("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

func (s *Service) add(params json.RawMessage) (interface{}, error) {
	var p pathParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.InvalidParams("malformed params: %s", err.Error())
		}
	}

	abs, err := s.resolve(p.Path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, ecp.InvalidParams("not a directory: %s", p.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watched[abs]; !ok {
		if err := s.watcher.Add(abs); err != nil {
			return nil, err
		}
		s.watched[abs] = struct{}{}
		s.log.Debug("Watching %s", abs)
	}
	return map[string]bool{"watching": true}, nil
}

func (s *Service) remove(params json.RawMessage) (interface{}, error) {
	var p pathParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.InvalidParams("malformed params: %s", err.Error())
		}
	}

	abs, err := s.resolve(p.Path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watched[abs]; !ok {
		return nil, ecp.InvalidParams("not watched: %s", p.Path)
	}
	delete(s.watched, abs)
	// The directory may already be gone; the map is authoritative.
	_ = s.watcher.Remove(abs)
	return map[string]bool{"watching": false}, nil
}

func (s *Service) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.watched))
	for abs := range s.watched {
		if rel, err := filepath.Rel(s.root, abs); err == nil {
			paths = append(paths, rel)
		}
	}
	return paths
}

// loop translates fsnotify events into workspace notifications.
func (s *Service) loop() {
	defer close(s.done)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(s.root, ev.Name)
			if err != nil {
				rel = ev.Name
			}
			s.notifier.Publish(ecp.NewNotification("watch/event", Event{
				Path: rel,
				Op:   opString(ev.Op),
			}))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("Watch error: %v", err)

		case <-s.stopChan:
			return
		}
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return op.String()
	}
}
