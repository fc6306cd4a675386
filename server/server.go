package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chrisvdg/offlineworker/bgsync"
	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/lifecycle"
	"github.com/chrisvdg/offlineworker/manifest"
	"github.com/chrisvdg/offlineworker/push"
	"github.com/chrisvdg/offlineworker/strategy"
)

// New creates a new server instance
// An unreachable upstream is not a startup error, the worker exists to
// bridge exactly that condition
func New(c *Config) (*Server, error) {
	if c.Target == "" {
		return nil, errors.New("No upstream target provided")
	}
	upstream, err := strategy.NewUpstream(c.Target)
	if err != nil {
		return nil, err
	}
	if err := testTarget(c.Target); err != nil {
		log.Warnf("Upstream %s is not reachable yet: %s", c.Target, err)
	}

	m, err := manifest.Load(c.ManifestPath)
	if err != nil {
		return nil, err
	}
	store, err := cache.NewStore(c.CacheDir)
	if err != nil {
		return nil, err
	}
	syncStore, err := bgsync.NewStore(c.SyncDB)
	if err != nil {
		return nil, err
	}

	fallback := strategy.NewFallback(store, m.OfflinePage)
	engine := strategy.NewEngine(store, upstream, fallback, c.Coalesce)
	queue := bgsync.NewQueue(syncStore)
	monitor := bgsync.NewMonitor(probe(c.Target), c.ProbeInterval, queue)
	windows := newWindowRegistry()
	center := push.NewCenter(newShellNotifier(c.ShellURL), windows)

	lc := lifecycle.NewManager(store, upstream, c.ManifestPath, c.SkipWaiting)
	s := &Server{
		c:        c,
		store:    store,
		upstream: upstream,
		fallback: fallback,
		engine:   engine,
		lc:       lc,
		queue:    queue,
		monitor:  monitor,
		center:   center,
		windows:  windows,
		manifest: m,
	}
	lc.OnActivate(s.onActivate)
	s.bindSyncOps(m)

	return s, nil
}

// Server represents a server instance
type Server struct {
	c        *Config
	store    *cache.Store
	upstream *strategy.Upstream
	fallback *strategy.Fallback
	engine   *strategy.Engine
	lc       *lifecycle.Manager
	queue    *bgsync.Queue
	monitor  *bgsync.Monitor
	center   *push.Center
	windows  *windowRegistry
	manifest *manifest.Manifest
}

// onActivate rewires the deployment bound pieces when a new deployment
// takes over
func (s *Server) onActivate(m *manifest.Manifest) {
	s.fallback.SetPage(m.OfflinePage)
	s.bindSyncOps(m)
}

// bindSyncOps binds every manifest sync tag to its remote operation
func (s *Server) bindSyncOps(m *manifest.Manifest) {
	ops := make(map[string]bgsync.Operation, len(m.Sync))
	for _, binding := range m.Sync {
		ops[binding.Tag] = syncOperation(s.upstream, binding.URL)
	}
	s.queue.Rebind(ops)
}

// router builds the request router
// The reserved worker endpoints register before the catch all interception
// routes, registration order is precedence
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	h := newHandlers(s)

	w := r.PathPrefix("/_worker").Subrouter()
	w.HandleFunc("/control", h.ControlHandler).Methods("POST")
	w.HandleFunc("/push", h.PushHandler).Methods("POST")
	w.HandleFunc("/notifications/click", h.ClickHandler).Methods("POST")
	w.HandleFunc("/sync/register", h.SyncRegisterHandler).Methods("POST")
	w.HandleFunc("/status", h.StatusHandler).Methods("GET")
	w.HandleFunc("/client/register", h.ClientRegisterHandler).Methods("POST")
	w.HandleFunc("/client/unregister", h.ClientUnregisterHandler).Methods("POST")
	w.HandleFunc("/client/poll", h.ClientPollHandler).Methods("GET")

	r.PathPrefix("/").HandlerFunc(h.InterceptHandler).Methods("GET")
	r.PathPrefix("/").HandlerFunc(h.ProxyHandler)

	return r
}

// ListenAndServe listens for new requests and serves them
func (s *Server) ListenAndServe() {
	r := s.router()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan struct{})
	defer close(quit)
	go s.store.Janitor(s.c.JanitorInterval, quit)
	go s.monitor.Run(ctx)
	go func() {
		if err := s.lc.Run(ctx); err != nil {
			log.Errorf("Manifest watcher stopped: %s", err)
		}
	}()
	go func() {
		if err := s.lc.Install(ctx, s.manifest); err != nil {
			log.Errorf("Initial install failed, serving previous generations: %s", err)
		}
	}()

	tlsEnabled := s.c.TLS.CertFile != "" && s.c.TLS.KeyFile != ""
	if !s.c.TLSOnly {
		go listenAndServe(ctx, cancel, s.c.ListenAddr, r)
	}

	if tlsEnabled {
		go listenAndServeTLS(ctx, cancel, s.c.TLSListenAddr, &s.c.TLS, r)
	}

	<-ctx.Done()
	s.engine.Flush()
}

// listenAndServe serves a plain http webserver
func listenAndServe(ctx context.Context, cancel func(), addr string, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("http server listening on: http://%s\n", addrStr)
	log.Error(http.ListenAndServe(addr, handler))
}

// listenAndServeTLS serves a tls webserver
func listenAndServeTLS(ctx context.Context, cancel func(), addr string, tls *TLSConfig, handler http.Handler) {
	defer cancel()
	addrStr := getAddrString(addr)
	log.Infof("https server listening on: https://%s\n", addrStr)
	log.Error(http.ListenAndServeTLS(addr, tls.CertFile, tls.KeyFile, handler))
}

// syncOperation binds a sync tag to its remote POST operation
// The operation carries no body and reports a plain ok or fail outcome
func syncOperation(fetcher strategy.Fetcher, opURL string) bgsync.Operation {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opURL, nil)
		if err != nil {
			return errors.Wrapf(err, "invalid sync operation url %q", opURL)
		}
		resp, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.Errorf("sync operation %s returned status %d", opURL, resp.StatusCode)
		}

		return nil
	}
}

// probe returns the upstream reachability check for the connectivity monitor
func probe(target string) bgsync.Probe {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		return nil
	}
}

func testTarget(url string) error {
	resp, err := http.Get(url)
	if err == nil {
		resp.Body.Close()
	}

	return err
}

func getAddrString(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = fmt.Sprintf("0.0.0.0%s", addr)
	}
	return addr
}
