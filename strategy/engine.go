package strategy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/policy"
)

// Generations names the cache generations a request is served against
// The lifecycle manager owns which pair is current, the engine only takes
// the names as explicit parameters
type Generations struct {
	Static  string
	Dynamic string
}

// NewEngine returns a strategy engine reading and writing the provided store
// With coalesce enabled concurrent cache-first misses for the same request
// identity share a single upstream fetch
func NewEngine(store *cache.Store, fetcher Fetcher, fallback *Fallback, coalesce bool) *Engine {
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		fallback: fallback,
		coalesce: coalesce,
	}
}

// Engine executes the cache-first and network-first fetch strategies
type Engine struct {
	store    *cache.Store
	fetcher  Fetcher
	fallback *Fallback
	coalesce bool
	group    singleflight.Group
	wg       sync.WaitGroup
}

// CacheFirst serves a request from the dynamic generation, falling back to
// the static generation for pre-warmed assets
// On a hit the network is not contacted. On a miss the response is fetched,
// stored and returned, and a failed fetch falls through to the offline
// fallback for the request class, exactly once per request
func (e *Engine) CacheFirst(ctx context.Context, req *http.Request, class policy.Class, gens Generations) (*cache.Snapshot, error) {
	key := cache.Key(req.Method, req.URL)

	if snap, err := e.lookup(gens.Dynamic, key); err == nil {
		log.Debugf("Cache hit %s in %s", key, gens.Dynamic)
		return snap, nil
	}
	if snap, err := e.lookup(gens.Static, key); err == nil {
		log.Debugf("Cache hit %s in %s", key, gens.Static)
		return snap, nil
	}

	snap, err := e.fetch(ctx, req, key)
	if err != nil {
		log.Debugf("Fetch %s failed, serving fallback: %s", key, err)
		return e.fallback.For(class, gens.Static)
	}
	if statusOK(snap.Status) {
		e.storeDetached(snap, gens.Dynamic)
	}

	return snap, nil
}

// NetworkFirst always attempts the real fetch first
// A successful response is stored so the latest success becomes the
// fallback, a failed fetch serves the prior stored response when one
// exists and the synthesized offline error otherwise
func (e *Engine) NetworkFirst(ctx context.Context, req *http.Request, gens Generations) (*cache.Snapshot, error) {
	key := cache.Key(req.Method, req.URL)

	snap, err := e.fetchSnapshot(ctx, req, key)
	if err == nil {
		if statusOK(snap.Status) {
			e.storeDetached(snap, gens.Dynamic)
		}
		return snap, nil
	}
	log.Debugf("Fetch %s failed: %s", key, err)

	if prior, lerr := e.lookup(gens.Dynamic, key); lerr == nil {
		log.Debugf("Serving stale %s from %s", key, gens.Dynamic)
		return prior, nil
	}

	return Offline503(), nil
}

// Flush blocks until all detached cache writes have completed
func (e *Engine) Flush() {
	e.wg.Wait()
}

// lookup returns the stored snapshot for a key in a named generation
func (e *Engine) lookup(gen, key string) (*cache.Snapshot, error) {
	g, err := e.store.Lookup(gen)
	if err != nil {
		return nil, err
	}

	return g.Get(key)
}

// fetch performs the upstream fetch for a cache miss
// With coalescing enabled concurrent misses for the same key share one
// fetch and late joiners receive a clone of the shared snapshot
func (e *Engine) fetch(ctx context.Context, req *http.Request, key string) (*cache.Snapshot, error) {
	if !e.coalesce {
		return e.fetchSnapshot(ctx, req, key)
	}

	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		return e.fetchSnapshot(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	snap := v.(*cache.Snapshot)
	if shared {
		return snap.Clone(), nil
	}

	return snap, nil
}

// fetchSnapshot executes the real fetch and reads the body to completion
// The snapshot is only built once the body is fully read, so a later cache
// write can never persist a partially read response
func (e *Engine) fetchSnapshot(ctx context.Context, req *http.Request, key string) (*cache.Snapshot, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upstream response body")
	}

	return &cache.Snapshot{
		Key:      key,
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// storeDetached persists a clone of the snapshot into a generation on a
// detached goroutine
// The write is best-effort, a failure is logged and never fails the
// request, and cancellation of the request cannot interrupt it
func (e *Engine) storeDetached(snap *cache.Snapshot, gen string) {
	clone := snap.Clone()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		g, err := e.store.Open(gen)
		if err != nil {
			log.Errorf("Failed to open generation %s for write back: %s", gen, err)
			return
		}
		if err := g.Put(clone); err != nil {
			log.Errorf("Failed to store %s in %s: %s", clone.Key, gen, err)
		}
	}()
}

// statusOK reports whether a response status is in the ok range
func statusOK(status int) bool {
	return status >= 200 && status < 300
}
