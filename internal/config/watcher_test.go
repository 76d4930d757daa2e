// ABOUTME: Tests for the fsnotify-based config reload watcher
// ABOUTME: Verifies new snapshots arrive on change and bad configs are skipped

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWatcherConfig(t *testing.T, path, defaultAgent string) {
	t.Helper()
	yaml := `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
agents:
  - id: assistant
    profiles: [{id: primary, priority: 1}]
  - id: scribe
    profiles: [{id: primary, priority: 1}]
channels:
  - {id: telegram, default_agent: ` + defaultAgent + `}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
}

func TestWatcher_EmitsSnapshotOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeWatcherConfig(t, path, "assistant")

	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(path, nil)
	require.NoError(t, w.Start(ctx, cfg))

	// Change the default agent and expect a rebuilt snapshot.
	writeWatcherConfig(t, path, "scribe")

	select {
	case snap := <-w.Snapshots():
		require.NotNil(t, snap)
		agentID, ok := snap.DefaultAgent("telegram")
		require.True(t, ok)
		assert.Equal(t, "scribe", agentID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reloaded snapshot")
	}
}

func TestWatcher_KeepsPreviousOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeWatcherConfig(t, path, "assistant")

	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(path, nil)
	require.NoError(t, w.Start(ctx, cfg))

	// Write an invalid config; no snapshot should be emitted.
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml"), 0600))

	select {
	case snap, ok := <-w.Snapshots():
		if ok {
			t.Fatalf("unexpected snapshot after invalid config: %+v", snap)
		}
	case <-time.After(500 * time.Millisecond):
		// No emission within the window: previous snapshot stays in effect.
	}
}
