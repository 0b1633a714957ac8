package vcs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Git implements the VCS interface for Git repositories.
type Git struct {
	workingDir string
	// repoRootOnce ensures we only look up the repo root once
	repoRootOnce sync.Once
	repoRoot     string
	repoRootErr  error

	// ignoreCache caches git ignore results
	ignoreCache map[string]bool
	ignoreMutex sync.RWMutex
}

// NewGit creates a new Git VCS instance for the given working directory.
// The working directory should be within a Git repository.
func NewGit(workingDir string) *Git {
	return &Git{
		workingDir:  workingDir,
		ignoreCache: make(map[string]bool),
	}
}

// getRepoRoot returns the cached repository root, looking it up if necessary.
func (g *Git) getRepoRoot(ctx context.Context) (string, error) {
	g.repoRootOnce.Do(func() {
		g.repoRoot, g.repoRootErr = g.RepositoryRoot(ctx, g.workingDir)
	})
	return g.repoRoot, g.repoRootErr
}

// RepositoryRoot returns the root directory of the Git repository
// containing the given directory.
func (g *Git) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = g.workingDir
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the name of the current branch.
// Returns an empty string if not in a repository or on a detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	repoRoot, err := g.getRepoRoot(ctx)
	if err != nil {
		return "", nil
	}

	// git rev-parse --abbrev-ref HEAD returns the branch name, or HEAD if detached
	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", nil
	}

	branch := strings.TrimSpace(string(output))
	if branch == "HEAD" {
		return "", nil
	}
	return branch, nil
}

// Status lists changed paths using the porcelain format, which is stable
// across git versions.
func (g *Git) Status(ctx context.Context) ([]FileStatus, error) {
	repoRoot, err := g.getRepoRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("not in a git repository: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	var statuses []FileStatus
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		statuses = append(statuses, FileStatus{
			Code: line[:2],
			Path: strings.TrimSpace(line[3:]),
		})
	}
	return statuses, scanner.Err()
}

// IsIgnored checks if a file/directory path is ignored by Git.
// The path should be absolute. Returns false if not in a repository.
func (g *Git) IsIgnored(ctx context.Context, absPath string) (bool, error) {
	repoRoot, err := g.getRepoRoot(ctx)
	if err != nil {
		return false, nil // Not in a repo, so not ignored
	}

	relPath, err := filepath.Rel(repoRoot, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return false, nil // Path outside repo, not ignored
	}

	g.ignoreMutex.RLock()
	ignored, ok := g.ignoreCache[relPath]
	g.ignoreMutex.RUnlock()
	if ok {
		return ignored, nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "check-ignore", "--quiet", "--", relPath)
	err = cmd.Run()
	ignored = err == nil

	g.ignoreMutex.Lock()
	g.ignoreCache[relPath] = ignored
	g.ignoreMutex.Unlock()

	return ignored, nil
}
