package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hooktrap/hooktrap/config"
	"github.com/hooktrap/hooktrap/store"
)

// fileDoc renders a config document with a short debounce, so file
// reload tests settle quickly.
func fileDoc(storageDir, hooksBody string) string {
	return fmt.Sprintf("reload:\n  source: file\n  debounce: 20ms\nstorage:\n  mode: file_system\n  file_system:\n    dir: %q\nhooks:\n%s", storageDir, hooksBody)
}

func startWatchedGateway(t *testing.T, path string) *gateway {
	t.Helper()
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	st, err := store.New(cfg.Storage)
	require.NoError(t, err)
	g, err := newGateway(cfg, st)
	require.NoError(t, err)
	t.Cleanup(g.close)

	w := newWatcher(g, path, st)
	w.Start()
	t.Cleanup(func() { _ = w.Close() })
	return g
}

func TestWatcherFileReload(t *testing.T) {
	storageDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "hooktrap.yml")
	require.NoError(t, os.WriteFile(path, []byte(fileDoc(storageDir, "  url_count: 1\n  default_response_body: v1\n")), 0o600))

	g := startWatchedGateway(t, path)
	require.Equal(t, "v1", g.snap().DefaultResponseBody)

	require.NoError(t, os.WriteFile(path, []byte(fileDoc(storageDir, "  url_count: 1\n  default_response_body: v2\n")), 0o600))
	require.Eventually(t, func() bool {
		return g.snap().DefaultResponseBody == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherFileInvalidKeepsPrevious(t *testing.T) {
	storageDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "hooktrap.yml")
	require.NoError(t, os.WriteFile(path, []byte(fileDoc(storageDir, "  url_count: 1\n  default_response_body: v1\n")), 0o600))

	g := startWatchedGateway(t, path)

	invalid := configReloads.With(prometheus.Labels{"outcome": "invalid"})
	before := testutil.ToFloat64(invalid)
	require.NoError(t, os.WriteFile(path, []byte("hooks: [broken\n"), 0o600))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(invalid) == before+1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "v1", g.snap().DefaultResponseBody)

	// a valid document recovers the loop
	require.NoError(t, os.WriteFile(path, []byte(fileDoc(storageDir, "  url_count: 1\n  default_response_body: v2\n")), 0o600))
	require.Eventually(t, func() bool {
		return g.snap().DefaultResponseBody == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherFileUnchangedSkipsReload(t *testing.T) {
	storageDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "hooktrap.yml")
	doc := fileDoc(storageDir, "  url_count: 1\n  default_response_body: v1\n")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	g := startWatchedGateway(t, path)
	before := g.runtime.Load()

	// same document modulo trailing whitespace, nothing is republished
	require.NoError(t, os.WriteFile(path, []byte(doc+"\n\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	require.Same(t, before, g.runtime.Load())

	require.NoError(t, os.WriteFile(path, []byte(fileDoc(storageDir, "  url_count: 1\n  default_response_body: v2\n")), 0o600))
	require.Eventually(t, func() bool {
		return g.runtime.Load() != before && g.snap().DefaultResponseBody == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherKVReload(t *testing.T) {
	g := newTestGateway(t, "reload:\n  source: kv\n  poll_interval: 20ms\n  kv_key: test-config\nhooks:\n  url_count: 1\n")
	w := newWatcher(g, "", g.store)
	w.Start()
	t.Cleanup(func() { _ = w.Close() })

	require.Equal(t, "OK", g.snap().DefaultResponseBody)

	ctx := context.Background()
	require.NoError(t, g.store.SetValue(ctx, "test-config", []byte("url_count: 1\ndefault_response_body: from-kv\n")))
	require.Eventually(t, func() bool {
		return g.snap().DefaultResponseBody == "from-kv"
	}, 3*time.Second, 10*time.Millisecond)

	// the next published document lands too
	require.NoError(t, g.store.SetValue(ctx, "test-config", []byte("url_count: 1\ndefault_response_code: 202\n")))
	require.Eventually(t, func() bool {
		return g.snap().DefaultResponseCode == 202
	}, 3*time.Second, 10*time.Millisecond)
}
