// Package vcs provides a version control system abstraction layer for
// workspace inspection. The server only reads repository state; it never
// mutates the working tree.
package vcs

import (
	"context"
)

// FileStatus is one changed path in the working tree.
type FileStatus struct {
	// Code is the two-character porcelain status, e.g. " M" or "??".
	Code string `json:"code"`
	Path string `json:"path"`
}

// VCS represents a version control system rooted at a workspace.
type VCS interface {
	// RepositoryRoot returns the root directory of the repository
	// containing the given directory. Returns an error if not in a
	// repository.
	RepositoryRoot(ctx context.Context, dir string) (string, error)

	// CurrentBranch returns the name of the current branch. Returns an
	// empty string if not in a repository or on a detached HEAD.
	CurrentBranch(ctx context.Context) (string, error)

	// Status lists the changed paths in the working tree.
	Status(ctx context.Context) ([]FileStatus, error)

	// IsIgnored checks if an absolute path is ignored by the VCS.
	// Returns false if not in a repository.
	IsIgnored(ctx context.Context, absPath string) (bool, error)
}
