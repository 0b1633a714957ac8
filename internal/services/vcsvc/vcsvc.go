// Package vcsvc exposes read-only version control state for a workspace
// over the vcs/* methods.
package vcsvc

import (
	"context"
	"encoding/json"

	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
	"github.com/zorz/ultra-ecp-sub000/internal/vcs"
)

// Namespace is the service's routing namespace.
const Namespace = "vcs"

// Service answers VCS queries for one workspace.
type Service struct {
	workspacePath string
	vcs           vcs.VCS
}

// New creates a VCS service for the workspace at path.
func New(workspacePath string) *Service {
	return &Service{
		workspacePath: workspacePath,
		vcs:           vcs.NewGit(workspacePath),
	}
}

func (s *Service) Namespace() string     { return Namespace }
func (s *Service) Scope() service.Scope  { return service.ScopeWorkspace }
func (s *Service) BridgeDelegated() bool { return false }

func (s *Service) Init(context.Context) error     { return nil }
func (s *Service) Shutdown(context.Context) error { return nil }

// Handle routes the vcs/* methods.
func (s *Service) Handle(ctx context.Context, method string, _ json.RawMessage) (interface{}, error) {
	switch method {
	case "vcs/root":
		root, err := s.vcs.RepositoryRoot(ctx, s.workspacePath)
		if err != nil {
			return nil, ecp.NewError(ecp.CodeServerError, "%s", err.Error())
		}
		return map[string]string{"root": root}, nil

	case "vcs/branch":
		branch, err := s.vcs.CurrentBranch(ctx)
		if err != nil {
			return nil, ecp.NewError(ecp.CodeServerError, "%s", err.Error())
		}
		return map[string]string{"branch": branch}, nil

	case "vcs/status":
		statuses, err := s.vcs.Status(ctx)
		if err != nil {
			return nil, ecp.NewError(ecp.CodeServerError, "%s", err.Error())
		}
		if statuses == nil {
			statuses = []vcs.FileStatus{}
		}
		return map[string]interface{}{"files": statuses}, nil

	default:
		return nil, ecp.MethodNotFound(method)
	}
}
