package lifecycle

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/manifest"
	"github.com/chrisvdg/offlineworker/strategy"
)

// State represents the lifecycle state of the worker
type State string

const (
	// StateInit represents a worker without any deployment yet
	StateInit State = "init"
	// StateInstalling represents a deployment being pre-warmed
	StateInstalling State = "installing"
	// StateInstalled represents a pre-warmed deployment waiting to take over
	StateInstalled State = "installed"
	// StateActivating represents a deployment cleaning up old generations
	StateActivating State = "activating"
	// StateActive represents the serving deployment
	StateActive State = "active"
	// StateRedundant represents a deployment superseded before activation
	StateRedundant State = "redundant"
)

// ErrNoPendingDeployment represents an activation without an installed
// deployment waiting
var ErrNoPendingDeployment = errors.New("no pending deployment to activate")

// deployment ties a manifest to the generation pair created for it
type deployment struct {
	manifest *manifest.Manifest
	static   string
	dynamic  string
}

// NewManager returns a lifecycle manager
// With skipWaiting enabled an installed deployment activates immediately
// instead of waiting for the foreground to instruct take over
func NewManager(store *cache.Store, fetcher strategy.Fetcher, manifestPath string, skipWaiting bool) *Manager {
	return &Manager{
		store:        store,
		fetcher:      fetcher,
		manifestPath: manifestPath,
		skipWaiting:  skipWaiting,
		state:        StateInit,
	}
}

// Manager governs the install, waiting and activate transitions of a
// deployment and garbage collects stale cache generations
type Manager struct {
	store        *cache.Store
	fetcher      strategy.Fetcher
	manifestPath string
	skipWaiting  bool
	onActivate   func(*manifest.Manifest)

	m       sync.Mutex
	state   State
	current *deployment
	pending *deployment
}

// OnActivate registers a callback invoked after a deployment activates
// Set before Install or Run is called
func (l *Manager) OnActivate(fn func(*manifest.Manifest)) {
	l.onActivate = fn
}

// State returns the current lifecycle state
func (l *Manager) State() State {
	l.m.Lock()
	defer l.m.Unlock()

	return l.state
}

// Current returns the generation names of the active deployment
func (l *Manager) Current() (static, dynamic string, ok bool) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.current == nil {
		return "", "", false
	}

	return l.current.static, l.current.dynamic, true
}

// Manifest returns the manifest of the active deployment
func (l *Manager) Manifest() (*manifest.Manifest, bool) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.current == nil {
		return nil, false
	}

	return l.current.manifest, true
}

// Install pre-warms the static generation for a deployment
// Any single asset failure abandons the whole install and the previous
// deployment remains authoritative. On success the deployment waits for
// activation unless skip waiting is set or no deployment is active yet
func (l *Manager) Install(ctx context.Context, m *manifest.Manifest) error {
	l.m.Lock()
	if l.current != nil && l.current.manifest.Version == m.Version {
		l.m.Unlock()
		log.Debugf("Deployment v%d is already active, nothing to install", m.Version)
		return nil
	}
	if l.pending != nil {
		log.Infof("Pending deployment v%d is now %s, superseded by v%d",
			l.pending.manifest.Version, StateRedundant, m.Version)
		l.pending = nil
	}
	prev := l.state
	l.state = StateInstalling
	l.m.Unlock()

	d := &deployment{
		manifest: m,
		static:   m.StaticGeneration(),
		dynamic:  m.DynamicGeneration(),
	}
	log.Infof("Installing deployment v%d", m.Version)

	if err := l.preWarm(ctx, d); err != nil {
		l.abandon(d)
		l.m.Lock()
		l.state = prev
		l.m.Unlock()
		return errors.Wrapf(err, "failed to install deployment v%d", m.Version)
	}

	l.m.Lock()
	l.pending = d
	l.state = StateInstalled
	activate := l.skipWaiting || l.current == nil
	l.m.Unlock()
	log.Infof("Deployment v%d installed", m.Version)

	if activate {
		return l.Activate(ctx)
	}

	return nil
}

// Activate promotes the pending deployment and deletes every generation
// that does not belong to it
// After the swap every request is served against the new generation pair,
// not only requests from new sessions
func (l *Manager) Activate(ctx context.Context) error {
	l.m.Lock()
	if l.pending == nil {
		l.m.Unlock()
		return ErrNoPendingDeployment
	}
	d := l.pending
	l.state = StateActivating
	l.m.Unlock()

	names, err := l.store.Names()
	if err != nil {
		// stale generations persist until the next activation cycle
		log.Errorf("Failed to enumerate generations: %s", err)
		names = nil
	}
	for _, name := range names {
		if name == d.static || name == d.dynamic {
			continue
		}
		log.Debugf("Deleting stale generation %s", name)
		if err := l.store.Delete(name); err != nil {
			log.Errorf("Failed to delete stale generation %s: %s", name, err)
		}
	}

	l.m.Lock()
	l.current = d
	l.pending = nil
	l.state = StateActive
	fn := l.onActivate
	l.m.Unlock()
	log.Infof("Deployment v%d is now active", d.manifest.Version)

	if fn != nil {
		fn(d.manifest)
	}

	return nil
}

// ActivateNow is the control channel take over, collapsing the waiting
// state to active
// Without a pending deployment it is a no-op
func (l *Manager) ActivateNow(ctx context.Context) error {
	l.m.Lock()
	pending := l.pending != nil
	l.m.Unlock()
	if !pending {
		log.Debug("Activate now requested without a pending deployment")
		return nil
	}

	return l.Activate(ctx)
}

// Run watches the manifest file and installs new deployments as they appear
// It blocks until the context is cancelled
func (l *Manager) Run(ctx context.Context) error {
	w, err := NewWatcher(l.manifestPath, defaultDebounce)
	if err != nil {
		return errors.Wrap(err, "failed to watch manifest")
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes():
			m, err := manifest.Load(l.manifestPath)
			if err != nil {
				log.Errorf("Failed to reload manifest: %s", err)
				continue
			}
			if !l.newVersion(m.Version) {
				log.Debugf("Manifest changed but version v%d is already known", m.Version)
				continue
			}
			log.Infof("Manifest changed, new deployment v%d detected", m.Version)
			if err := l.Install(ctx, m); err != nil {
				log.Errorf("Failed to install deployment v%d: %s", m.Version, err)
			}
		}
	}
}

// newVersion reports whether a manifest version is neither active nor pending
func (l *Manager) newVersion(version int) bool {
	l.m.Lock()
	defer l.m.Unlock()
	if l.current != nil && l.current.manifest.Version == version {
		return false
	}
	if l.pending != nil && l.pending.manifest.Version == version {
		return false
	}

	return true
}

// preWarm populates the static generation with every manifest asset
// Fetches run concurrently and fail fast, a partial static set is never
// left behind as installed
func (l *Manager) preWarm(ctx context.Context, d *deployment) error {
	gen, err := l.store.Open(d.static)
	if err != nil {
		return err
	}
	// the dynamic generation starts empty and fills lazily
	if _, err := l.store.Open(d.dynamic); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, asset := range d.manifest.Assets {
		asset := asset
		g.Go(func() error {
			return l.warmAsset(ctx, gen, asset)
		})
	}

	return g.Wait()
}

// warmAsset fetches a single asset and stores it in the static generation
func (l *Manager) warmAsset(ctx context.Context, gen *cache.Generation, asset string) error {
	u, err := url.Parse(asset)
	if err != nil {
		return errors.Wrapf(err, "invalid asset path %q", asset)
	}
	req := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}

	resp, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "failed to pre-warm %s", asset)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("pre-warm %s returned status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read pre-warm body for %s", asset)
	}

	return gen.Put(&cache.Snapshot{
		Key:      cache.KeyForPath(asset),
		Method:   http.MethodGet,
		URL:      asset,
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		StoredAt: time.Now(),
	})
}

// abandon removes the generations of a failed install attempt
// Generations shared with the active deployment are left alone
func (l *Manager) abandon(d *deployment) {
	l.m.Lock()
	current := l.current
	l.m.Unlock()

	for _, name := range []string{d.static, d.dynamic} {
		if current != nil && (name == current.static || name == current.dynamic) {
			continue
		}
		if err := l.store.Delete(name); err != nil {
			log.Errorf("Failed to delete abandoned generation %s: %s", name, err)
		}
	}
}
