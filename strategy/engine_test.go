package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/policy"
)

var testGens = Generations{Static: "static@v1", Dynamic: "dynamic@v1"}

func newTestEngine(t *testing.T, handler http.Handler, coalesce bool) (*Engine, *cache.Store, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	upstream, err := NewUpstream(ts.URL)
	require.NoError(t, err)
	e := NewEngine(store, upstream, NewFallback(store, "/offline"), coalesce)

	return e, store, ts
}

func getRequest(t *testing.T, rawurl string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)

	return &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	assert := assert.New(t)
	e, store, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.Write([]byte("<html>dashboard</html>"))
	}), false)

	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)
	assert.Equal(200, snap.Status)
	assert.Equal([]byte("<html>dashboard</html>"), snap.Body)

	e.Flush()
	g, err := store.Lookup("dynamic@v1")
	require.NoError(t, err)
	stored, err := g.Get("GET /dashboard")
	require.NoError(t, err)
	assert.Equal(snap.Body, stored.Body)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	assert := assert.New(t)
	var fetches int32
	e, store, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		res.Write([]byte("fresh"))
	}), false)

	g, err := store.Open("dynamic@v1")
	require.NoError(t, err)
	require.NoError(t, g.Put(&cache.Snapshot{
		Key:    "GET /dashboard",
		Method: http.MethodGet,
		URL:    "/dashboard",
		Status: 200,
		Body:   []byte("cached"),
	}))

	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)
	assert.Equal([]byte("cached"), snap.Body)
	assert.Equal(int32(0), atomic.LoadInt32(&fetches))
}

func TestCacheFirstFallsBackToStaticGeneration(t *testing.T) {
	assert := assert.New(t)
	var fetches int32
	e, store, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		res.Write([]byte("fresh"))
	}), false)

	// pre-warmed asset lives in the static generation only
	g, err := store.Open("static@v1")
	require.NoError(t, err)
	require.NoError(t, g.Put(&cache.Snapshot{
		Key:    "GET /static/app.js",
		Method: http.MethodGet,
		URL:    "/static/app.js",
		Status: 200,
		Body:   []byte("console.log(1)"),
	}))

	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/static/app.js"), policy.ClassStatic, testGens)
	require.NoError(t, err)
	assert.Equal([]byte("console.log(1)"), snap.Body)
	assert.Equal(int32(0), atomic.LoadInt32(&fetches))
}

func TestCacheFirstOfflineServesCachedBody(t *testing.T) {
	assert := assert.New(t)
	e, _, ts := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.Write([]byte("<html>dashboard</html>"))
	}), false)

	first, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)
	e.Flush()

	// network disabled, the cached body is served byte for byte
	ts.Close()
	second, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)
	assert.Equal(first.Body, second.Body)
}

func TestCacheFirstNavigationFailureServesOfflinePage(t *testing.T) {
	assert := assert.New(t)
	e, store, ts := newTestEngine(t, http.NotFoundHandler(), false)

	g, err := store.Open("static@v1")
	require.NoError(t, err)
	require.NoError(t, g.Put(&cache.Snapshot{
		Key:    "GET /offline",
		Method: http.MethodGet,
		URL:    "/offline",
		Status: 200,
		Body:   []byte("<html>offline</html>"),
	}))

	ts.Close()
	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassNavigation, testGens)
	require.NoError(t, err)
	assert.Equal([]byte("<html>offline</html>"), snap.Body)
}

func TestCacheFirstMissingOfflinePageIsConfigError(t *testing.T) {
	e, _, ts := newTestEngine(t, http.NotFoundHandler(), false)

	ts.Close()
	_, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassNavigation, testGens)
	require.Error(t, err)
	assert.Equal(t, ErrOfflinePageMissing, errors.Cause(err))
}

func TestCacheFirstNonNavigationFailureServes503(t *testing.T) {
	assert := assert.New(t)
	e, _, ts := newTestEngine(t, http.NotFoundHandler(), false)

	ts.Close()
	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)
	assert.Equal(http.StatusServiceUnavailable, snap.Status)
	assert.Equal("application/json", snap.Header.Get("Content-Type"))
	assert.JSONEq(`{"error":"Offline","message":"Please check your connection"}`, string(snap.Body))
}

func TestNetworkFirstStoresAndServesStale(t *testing.T) {
	assert := assert.New(t)
	e, _, ts := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.Write([]byte(`{"mail":[]}`))
	}), false)

	first, err := e.NetworkFirst(context.Background(), getRequest(t, "/api/v1/mail/list"), testGens)
	require.NoError(t, err)
	assert.Equal(200, first.Status)
	e.Flush()

	// same request with the network failing serves the stored 200 body,
	// not the offline fallback
	ts.Close()
	second, err := e.NetworkFirst(context.Background(), getRequest(t, "/api/v1/mail/list"), testGens)
	require.NoError(t, err)
	assert.Equal(200, second.Status)
	assert.Equal(first.Body, second.Body)
}

func TestNetworkFirstNoPriorEntryServes503(t *testing.T) {
	assert := assert.New(t)
	e, _, ts := newTestEngine(t, http.NotFoundHandler(), false)

	ts.Close()
	snap, err := e.NetworkFirst(context.Background(), getRequest(t, "/api/v1/mail/list"), testGens)
	require.NoError(t, err)
	assert.Equal(http.StatusServiceUnavailable, snap.Status)
	assert.JSONEq(`{"error":"Offline","message":"Please check your connection"}`, string(snap.Body))
}

func TestNetworkFirstNonOKNotStored(t *testing.T) {
	assert := assert.New(t)
	e, store, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		http.Error(res, "boom", http.StatusInternalServerError)
	}), false)

	snap, err := e.NetworkFirst(context.Background(), getRequest(t, "/api/v1/mail/list"), testGens)
	require.NoError(t, err)
	assert.Equal(http.StatusInternalServerError, snap.Status)

	e.Flush()
	_, err = store.Lookup("dynamic@v1")
	assert.Equal(cache.ErrGenerationNotFound, errors.Cause(err))
}

func TestServedBodyIsACloneOfTheStoredEntry(t *testing.T) {
	assert := assert.New(t)
	e, store, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.Write([]byte("immutable"))
	}), false)

	snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
	require.NoError(t, err)

	// a caller mutating the returned body must not corrupt the cache
	snap.Body[0] = 'X'
	e.Flush()

	g, err := store.Lookup("dynamic@v1")
	require.NoError(t, err)
	stored, err := g.Get("GET /dashboard")
	require.NoError(t, err)
	assert.Equal([]byte("immutable"), stored.Body)
}

func TestCoalesceCollapsesConcurrentMisses(t *testing.T) {
	assert := assert.New(t)
	var fetches int32
	release := make(chan struct{})
	e, _, _ := newTestEngine(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&fetches, 1)
		<-release
		res.Write([]byte("shared"))
	}), true)

	var wg sync.WaitGroup
	bodies := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := e.CacheFirst(context.Background(), getRequest(t, "/dashboard"), policy.ClassOther, testGens)
			require.NoError(t, err)
			bodies[i] = snap.Body
		}(i)
	}

	// let both requests join the flight before the upstream responds
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	e.Flush()

	assert.Equal(int32(1), atomic.LoadInt32(&fetches))
	assert.Equal([]byte("shared"), bodies[0])
	assert.Equal([]byte("shared"), bodies[1])
}

func TestNewUpstreamValidatesTarget(t *testing.T) {
	assert := assert.New(t)

	for _, target := range []string{"", "not a url", "/relative"} {
		_, err := NewUpstream(target)
		assert.Error(err, "target %q", target)
	}
}
