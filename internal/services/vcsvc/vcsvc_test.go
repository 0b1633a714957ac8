package vcsvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/vcs"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x\n"), 0644))
	run("add", "f.txt")
	run("commit", "-m", "initial")
	return dir
}

func TestBranchAndRoot(t *testing.T) {
	dir := initRepo(t)
	svc := New(dir)

	result, err := svc.Handle(context.Background(), "vcs/branch", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"branch": "main"}, result)

	result, err = svc.Handle(context.Background(), "vcs/root", nil)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, map[string]string{"root": resolved}, result)
}

func TestStatus(t *testing.T) {
	dir := initRepo(t)
	svc := New(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("y"), 0644))

	result, err := svc.Handle(context.Background(), "vcs/status", nil)
	require.NoError(t, err)

	files := result.(map[string]interface{})["files"].([]vcs.FileStatus)
	require.Len(t, files, 1)
	assert.Equal(t, "new.txt", files[0].Path)
	assert.Equal(t, "??", files[0].Code)
}

func TestRootOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	svc := New(t.TempDir())

	_, err := svc.Handle(context.Background(), "vcs/root", nil)
	var pe *ecp.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ecp.CodeServerError, pe.Code)
}

func TestUnknownMethod(t *testing.T) {
	svc := New(t.TempDir())
	_, err := svc.Handle(context.Background(), "vcs/push", nil)
	assert.True(t, ecp.IsMethodNotFound(err))
}
