package cache

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	return s
}

func TestNewStore(t *testing.T) {
	_, err := NewStore("")
	assert.Error(t, err)
}

func TestStoreOpenAndLookup(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	_, err := s.Lookup("static@v1")
	assert.Equal(ErrGenerationNotFound, errors.Cause(err))

	g, err := s.Open("static@v1")
	require.NoError(t, err)
	assert.Equal("static@v1", g.Name())

	found, err := s.Lookup("static@v1")
	require.NoError(t, err)
	assert.Equal("static@v1", found.Name())
}

func TestStoreRejectsInvalidNames(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	for _, name := range []string{"", "../evil", "a/b", "a\\b"} {
		_, err := s.Open(name)
		assert.Error(err, "name %q", name)
	}
}

func TestGenerationGetPut(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	g, err := s.Open("dynamic@v1")
	require.NoError(t, err)

	_, err = g.Get("GET /dashboard")
	assert.Equal(ErrEntryNotFound, errors.Cause(err))
	assert.False(g.Has("GET /dashboard"))

	require.NoError(t, g.Put(testSnapshot("GET /dashboard")))
	assert.True(g.Has("GET /dashboard"))

	snap, err := g.Get("GET /dashboard")
	require.NoError(t, err)
	assert.Equal([]byte("<html>dashboard</html>"), snap.Body)
	assert.Equal(200, snap.Status)
}

func TestGenerationPutReplaces(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	g, err := s.Open("dynamic@v1")
	require.NoError(t, err)

	first := testSnapshot("GET /dashboard")
	require.NoError(t, g.Put(first))

	second := testSnapshot("GET /dashboard")
	second.Body = []byte("<html>fresh</html>")
	require.NoError(t, g.Put(second))

	n, err := g.Len()
	require.NoError(t, err)
	assert.Equal(1, n)

	snap, err := g.Get("GET /dashboard")
	require.NoError(t, err)
	assert.Equal([]byte("<html>fresh</html>"), snap.Body)
}

func TestGenerationPutRequiresKey(t *testing.T) {
	s := newTestStore(t)
	g, err := s.Open("dynamic@v1")
	require.NoError(t, err)

	snap := testSnapshot("")
	assert.Error(t, g.Put(snap))
}

func TestGenerationKeys(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	g, err := s.Open("static@v1")
	require.NoError(t, err)

	require.NoError(t, g.Put(testSnapshot("GET /")))
	require.NoError(t, g.Put(testSnapshot("GET /offline")))

	keys, err := g.Keys()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"GET /", "GET /offline"}, keys)
}

func TestStoreNamesAndDelete(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	for _, name := range []string{"static@v1", "dynamic@v1", "static@v2"} {
		_, err := s.Open(name)
		require.NoError(t, err)
	}

	names, err := s.Names()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"static@v1", "dynamic@v1", "static@v2"}, names)

	require.NoError(t, s.Delete("static@v1"))
	names, err = s.Names()
	require.NoError(t, err)
	assert.ElementsMatch([]string{"dynamic@v1", "static@v2"}, names)

	// deleting a missing generation is not an error
	assert.NoError(s.Delete("static@v9"))
}

func TestStorePurgeAll(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	for _, name := range []string{"static@v1", "dynamic@v1"} {
		g, err := s.Open(name)
		require.NoError(t, err)
		require.NoError(t, g.Put(testSnapshot("GET /")))
	}

	purged, err := s.PurgeAll()
	require.NoError(t, err)
	assert.Equal(2, purged)

	names, err := s.Names()
	require.NoError(t, err)
	assert.Empty(names)

	// purging an empty store is a no-op
	purged, err = s.PurgeAll()
	require.NoError(t, err)
	assert.Equal(0, purged)
}
