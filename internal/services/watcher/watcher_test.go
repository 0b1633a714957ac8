package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
)

func newTestService(t *testing.T) (*Service, string, *broadcast.Subscription) {
	t.Helper()
	root := t.TempDir()
	notifier := broadcast.New(32)
	sub := notifier.Subscribe()

	svc := New(root, notifier)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
		notifier.Close()
	})
	return svc, root, sub
}

func TestAddAndListWatches(t *testing.T) {
	svc, root, _ := newTestService(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0755))

	_, err := svc.Handle(context.Background(), "watch/add", json.RawMessage(`{"path":"src"}`))
	require.NoError(t, err)

	result, err := svc.Handle(context.Background(), "watch/list", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, result.([]string))
}

func TestWatchEventsArePublished(t *testing.T) {
	svc, root, sub := newTestService(t)

	_, err := svc.Handle(context.Background(), "watch/add", json.RawMessage(`{"path":""}`))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	select {
	case n := <-sub.C():
		assert.Equal(t, "watch/event", n.Method)
		ev := n.Params.(Event)
		assert.Equal(t, "a.txt", ev.Path)
		assert.Contains(t, []string{"create", "write"}, ev.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch event published")
	}
}

func TestRemoveWatch(t *testing.T) {
	svc, root, _ := newTestService(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0755))

	_, err := svc.Handle(context.Background(), "watch/add", json.RawMessage(`{"path":"src"}`))
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), "watch/remove", json.RawMessage(`{"path":"src"}`))
	require.NoError(t, err)

	result, err := svc.Handle(context.Background(), "watch/list", nil)
	require.NoError(t, err)
	assert.Empty(t, result.([]string))

	_, err = svc.Handle(context.Background(), "watch/remove", json.RawMessage(`{"path":"src"}`))
	var pe *ecp.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ecp.CodeInvalidParams, pe.Code)
}

func TestEscapingPathRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Handle(context.Background(), "watch/add", json.RawMessage(`{"path":"../outside"}`))
	var pe *ecp.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ecp.CodeInvalidParams, pe.Code)
}

func TestMissingDirectoryRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Handle(context.Background(), "watch/add", json.RawMessage(`{"path":"nope"}`))
	var pe *ecp.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ecp.CodeInvalidParams, pe.Code)
}
