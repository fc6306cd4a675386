package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/manifest"
	"github.com/chrisvdg/offlineworker/strategy"
)

// testShell serves the pre-warm assets, optionally failing some paths
func testShell(t *testing.T, failing map[string]bool) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if failing[req.URL.Path] {
			http.Error(res, "boom", http.StatusInternalServerError)
			return
		}
		res.Write([]byte("asset " + req.URL.Path))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func testManifest(version int) *manifest.Manifest {
	return &manifest.Manifest{
		Version:     version,
		Assets:      []string{"/", "/mail", "/offline"},
		OfflinePage: "/offline",
	}
}

func newTestManager(t *testing.T, store *cache.Store, target string, skipWaiting bool) *Manager {
	t.Helper()
	upstream, err := strategy.NewUpstream(target)
	require.NoError(t, err)

	return NewManager(store, upstream, "", skipWaiting)
}

func TestInstallPreWarmsAndActivates(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	// no previous deployment, the first install activates immediately
	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	assert.Equal(StateActive, l.State())

	static, dynamic, ok := l.Current()
	require.True(t, ok)
	assert.Equal("static@v1", static)
	assert.Equal("dynamic@v1", dynamic)

	g, err := store.Lookup("static@v1")
	require.NoError(t, err)
	keys, err := g.Keys()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"GET /", "GET /mail", "GET /offline"}, keys)
}

func TestInstallAbortsOnAssetFailure(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, map[string]bool{"/offline": true})
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	err = l.Install(context.Background(), testManifest(1))
	require.Error(t, err)
	assert.Equal(StateInit, l.State())

	// no partial static generation is left behind
	names, err := store.Names()
	require.NoError(t, err)
	assert.Empty(names)

	_, _, ok := l.Current()
	assert.False(ok)
}

func TestInstallFailureKeepsPreviousDeployment(t *testing.T) {
	assert := assert.New(t)
	failing := map[string]bool{}
	ts := testShell(t, failing)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	require.NoError(t, l.Install(context.Background(), testManifest(1)))

	failing["/mail"] = true
	require.Error(t, l.Install(context.Background(), testManifest(2)))

	// stuck on the old version, not broken
	assert.Equal(StateActive, l.State())
	static, _, ok := l.Current()
	require.True(t, ok)
	assert.Equal("static@v1", static)

	names, err := store.Names()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"static@v1", "dynamic@v1"}, names)
}

func TestInstallWaitsForActivation(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	require.NoError(t, l.Install(context.Background(), testManifest(2)))

	// v2 is installed but v1 keeps serving until take over
	assert.Equal(StateInstalled, l.State())
	static, _, ok := l.Current()
	require.True(t, ok)
	assert.Equal("static@v1", static)

	require.NoError(t, l.ActivateNow(context.Background()))
	assert.Equal(StateActive, l.State())
	static, _, ok = l.Current()
	require.True(t, ok)
	assert.Equal("static@v2", static)
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	require.NoError(t, l.Install(context.Background(), testManifest(2)))
	require.NoError(t, l.ActivateNow(context.Background()))

	// only the current pair remains, no orphaned prior generations
	names, err := store.Names()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"static@v2", "dynamic@v2"}, names)
}

func TestSkipWaitingActivatesImmediately(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, true)

	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	require.NoError(t, l.Install(context.Background(), testManifest(2)))

	assert.Equal(StateActive, l.State())
	static, _, ok := l.Current()
	require.True(t, ok)
	assert.Equal("static@v2", static)
}

func TestActivateNowWithoutPendingIsANoop(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, "http://localhost:1", false)

	assert.NoError(t, l.ActivateNow(context.Background()))
	assert.Equal(t, StateInit, l.State())
}

func TestOnActivateCallback(t *testing.T) {
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	l := newTestManager(t, store, ts.URL, false)

	var activated []int
	l.OnActivate(func(m *manifest.Manifest) {
		activated = append(activated, m.Version)
	})

	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	assert.Equal(t, []int{1}, activated)
}

func TestReinstallAfterPurgeReproducesStaticGeneration(t *testing.T) {
	assert := assert.New(t)
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	l := newTestManager(t, store, ts.URL, false)
	require.NoError(t, l.Install(context.Background(), testManifest(1)))
	g, err := store.Lookup("static@v1")
	require.NoError(t, err)
	before, err := g.Keys()
	require.NoError(t, err)

	_, err = store.PurgeAll()
	require.NoError(t, err)

	// a fresh worker re-running the same install produces the same set
	fresh := newTestManager(t, store, ts.URL, false)
	require.NoError(t, fresh.Install(context.Background(), testManifest(1)))
	g, err = store.Lookup("static@v1")
	require.NoError(t, err)
	after, err := g.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(before, after)
}

func writeManifest(t *testing.T, path string, version int) {
	t.Helper()
	data := []byte(fmt.Sprintf("version: %d\nassets:\n  - /\n  - /offline\n", version))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestRunInstallsOnVersionBump(t *testing.T) {
	ts := testShell(t, nil)
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	writeManifest(t, path, 1)

	upstream, err := strategy.NewUpstream(ts.URL)
	require.NoError(t, err)
	l := NewManager(store, upstream, path, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// give the watcher a moment to start before replacing the manifest
	time.Sleep(100 * time.Millisecond)
	writeManifest(t, path, 2)

	require.Eventually(t, func() bool {
		m, ok := l.Manifest()
		return ok && m.Version == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherDeliversDebouncedChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0644))

	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0644))

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal received")
	}
}
