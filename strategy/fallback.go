package strategy

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/policy"
)

// ErrOfflinePageMissing represents a navigation fallback request for an
// offline page that was never pre-warmed
// This is a configuration error, not a runtime condition to recover from
var ErrOfflinePageMissing = errors.New("offline page is not cached")

// OfflineBody is the synthesized response body returned when both network
// and cache fail to satisfy a non navigation request
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var offlineBody []byte

func init() {
	var err error
	offlineBody, err = json.Marshal(OfflineBody{
		Error:   "Offline",
		Message: "Please check your connection",
	})
	if err != nil {
		panic("strategy: offline body encoding failed: " + err.Error())
	}
}

// Offline503 returns the synthesized offline error snapshot
// The machine readable body lets the application distinguish offline from
// a server error
func Offline503() *cache.Snapshot {
	return &cache.Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": {"application/json"},
		},
		Body:     append([]byte(nil), offlineBody...),
		StoredAt: time.Now(),
	}
}

// NewFallback returns a fallback provider serving the provided offline page
// for failed navigations
func NewFallback(store *cache.Store, offlinePage string) *Fallback {
	return &Fallback{
		store: store,
		page:  offlinePage,
	}
}

// Fallback supplies a substitute response when both network and cache fail
type Fallback struct {
	store *cache.Store
	m     sync.Mutex
	page  string
}

// SetPage updates the offline page path, called when a new deployment with
// a different offline page activates
func (f *Fallback) SetPage(page string) {
	f.m.Lock()
	f.page = page
	f.m.Unlock()
}

// Page returns the current offline page path
func (f *Fallback) Page() string {
	f.m.Lock()
	defer f.m.Unlock()

	return f.page
}

// For returns the fallback response for a request kind
// Navigations get the pre-warmed offline page from the static generation,
// everything else gets the synthesized offline error
func (f *Fallback) For(class policy.Class, staticGen string) (*cache.Snapshot, error) {
	if class != policy.ClassNavigation {
		return Offline503(), nil
	}

	page := f.Page()
	g, err := f.store.Lookup(staticGen)
	if err != nil {
		return nil, errors.Wrapf(ErrOfflinePageMissing, "generation %s: %s", staticGen, err)
	}
	snap, err := g.Get(cache.KeyForPath(page))
	if err != nil {
		return nil, errors.Wrapf(ErrOfflinePageMissing, "page %s: %s", page, err)
	}

	return snap, nil
}
