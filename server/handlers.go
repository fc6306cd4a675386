package server

import (
	"io"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chrisvdg/offlineworker/bgsync"
	"github.com/chrisvdg/offlineworker/cache"
	"github.com/chrisvdg/offlineworker/lifecycle"
	"github.com/chrisvdg/offlineworker/policy"
	"github.com/chrisvdg/offlineworker/push"
	"github.com/chrisvdg/offlineworker/strategy"
)

// Control message types accepted from the foreground
const (
	msgActivateNow = "ACTIVATE_NOW"
	msgPurgeAll    = "PURGE_ALL"
)

func newHandlers(s *Server) *handlers {
	return &handlers{s: s}
}

type handlers struct {
	s *Server

	clM       sync.Mutex
	clVersion int
	cl        *policy.Classifier
}

// classifier returns the route classifier for the active deployment,
// rebuilt when a new deployment activates
func (h *handlers) classifier(version int, prefixes []string) *policy.Classifier {
	h.clM.Lock()
	defer h.clM.Unlock()
	if h.cl == nil || h.clVersion != version {
		h.cl = policy.NewClassifier(prefixes)
		h.clVersion = version
	}

	return h.cl
}

// InterceptHandler serves GET requests through the strategy engine
func (h *handlers) InterceptHandler(res http.ResponseWriter, req *http.Request) {
	m, ok := h.s.lc.Manifest()
	if !ok {
		// nothing installed yet, the worker is a transparent proxy
		h.ProxyHandler(res, req)
		return
	}

	d := h.classifier(m.Version, m.APIPrefixes).Classify(req.Method, req.URL, req.Header)
	if d.Skip() {
		h.ProxyHandler(res, req)
		return
	}

	static, dynamic, _ := h.s.lc.Current()
	gens := strategy.Generations{Static: static, Dynamic: dynamic}

	var snap *cache.Snapshot
	var err error
	if d.Strategy == policy.StrategyNetworkFirst {
		snap, err = h.s.engine.NetworkFirst(req.Context(), req, gens)
	} else {
		snap, err = h.s.engine.CacheFirst(req.Context(), req, d.Class, gens)
	}
	if err != nil {
		log.Errorf("Failed to serve %s: %s", req.URL.Path, err)
		http.Error(res, "internal error", http.StatusInternalServerError)
		return
	}

	writeSnapshot(res, snap)
}

// ProxyHandler passes a request through to the upstream unmodified
func (h *handlers) ProxyHandler(res http.ResponseWriter, req *http.Request) {
	resp, err := h.s.upstream.Fetch(req.Context(), req)
	if err != nil {
		log.Errorf("Failed to proxy %s %s: %s", req.Method, req.URL.Path, err)
		http.Error(res, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			res.Header().Add(name, v)
		}
	}
	res.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(res, resp.Body); err != nil {
		log.Debugf("Failed to copy proxy response: %s", err)
	}
}

// controlMessage is a fire and forget command from the foreground
type controlMessage struct {
	Type string `json:"type"`
}

// ControlHandler executes foreground commands
// Unrecognized message types are ignored without error
func (h *handlers) ControlHandler(res http.ResponseWriter, req *http.Request) {
	msg := controlMessage{}
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		http.Error(res, "invalid control message", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case msgActivateNow:
		if err := h.s.lc.ActivateNow(req.Context()); err != nil {
			log.Errorf("Failed to activate: %s", err)
		}
	case msgPurgeAll:
		purged, err := h.s.store.PurgeAll()
		if err != nil {
			log.Errorf("Failed to purge caches: %s", err)
		}
		log.Infof("Purged %d cache generations", purged)
	default:
		log.Debugf("Ignoring unknown control message type %q", msg.Type)
	}

	res.WriteHeader(http.StatusAccepted)
}

// PushHandler ingests a push payload and renders the notification
func (h *handlers) PushHandler(res http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(res, "failed to read payload", http.StatusBadRequest)
		return
	}

	if _, err := h.s.center.Dispatch(req.Context(), body); err != nil {
		log.Errorf("Failed to dispatch push: %s", err)
		http.Error(res, "failed to render notification", http.StatusInternalServerError)
		return
	}

	res.WriteHeader(http.StatusAccepted)
}

// ClickHandler routes a notification interaction
func (h *handlers) ClickHandler(res http.ResponseWriter, req *http.Request) {
	click := push.Click{}
	if err := json.NewDecoder(req.Body).Decode(&click); err != nil {
		http.Error(res, "invalid click payload", http.StatusBadRequest)
		return
	}

	err := h.s.center.HandleClick(req.Context(), click)
	if errors.Cause(err) == push.ErrNotificationNotFound {
		http.Error(res, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Errorf("Failed to handle notification click: %s", err)
		http.Error(res, "failed to handle click", http.StatusInternalServerError)
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

// SyncRegisterHandler durably registers a sync tag for deferred execution
func (h *handlers) SyncRegisterHandler(res http.ResponseWriter, req *http.Request) {
	body := struct {
		Tag string `json:"tag"`
	}{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(res, "invalid sync registration", http.StatusBadRequest)
		return
	}

	err := h.s.queue.Register(req.Context(), body.Tag)
	if errors.Cause(err) == bgsync.ErrUnknownTag {
		http.Error(res, "unknown sync tag", http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Errorf("Failed to register sync tag %s: %s", body.Tag, err)
		http.Error(res, "failed to register sync tag", http.StatusInternalServerError)
		return
	}

	res.WriteHeader(http.StatusAccepted)
}

type generationStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type syncStatus struct {
	Tag          string         `json:"tag"`
	RegisteredAt cache.JSONTime `json:"registered_at"`
}

type notificationStatus struct {
	Tag     string         `json:"tag"`
	Title   string         `json:"title"`
	ShownAt cache.JSONTime `json:"shown_at"`
}

type workerStatus struct {
	State         lifecycle.State      `json:"state"`
	Version       int                  `json:"version,omitempty"`
	Online        bool                 `json:"online"`
	Generations   []generationStatus   `json:"generations"`
	PendingSync   []syncStatus         `json:"pending_sync"`
	Notifications []notificationStatus `json:"notifications"`
}

// StatusHandler reports the worker state for debugging and the foreground UI
func (h *handlers) StatusHandler(res http.ResponseWriter, req *http.Request) {
	status := workerStatus{
		State:         h.s.lc.State(),
		Online:        h.s.monitor.Online(),
		Generations:   []generationStatus{},
		PendingSync:   []syncStatus{},
		Notifications: []notificationStatus{},
	}
	if m, ok := h.s.lc.Manifest(); ok {
		status.Version = m.Version
	}

	names, err := h.s.store.Names()
	if err != nil {
		log.Errorf("Failed to list generations: %s", err)
	}
	for _, name := range names {
		g, err := h.s.store.Lookup(name)
		if err != nil {
			continue
		}
		n, err := g.Len()
		if err != nil {
			log.Errorf("Failed to count generation %s: %s", name, err)
			continue
		}
		status.Generations = append(status.Generations, generationStatus{Name: name, Entries: n})
	}

	regs, err := h.s.queue.Pending(req.Context())
	if err != nil {
		log.Errorf("Failed to list pending sync tags: %s", err)
	}
	for _, r := range regs {
		status.PendingSync = append(status.PendingSync, syncStatus{
			Tag:          r.Tag,
			RegisteredAt: cache.JSONTime(r.RegisteredAt),
		})
	}

	for _, n := range h.s.center.Live() {
		status.Notifications = append(status.Notifications, notificationStatus{
			Tag:     n.Tag,
			Title:   n.Title,
			ShownAt: cache.JSONTime(n.ShownAt),
		})
	}

	writeJSON(res, http.StatusOK, status)
}

// ClientRegisterHandler records an application window with the shell registry
func (h *handlers) ClientRegisterHandler(res http.ResponseWriter, req *http.Request) {
	w := push.Window{}
	if err := json.NewDecoder(req.Body).Decode(&w); err != nil || w.ID == "" {
		http.Error(res, "invalid window registration", http.StatusBadRequest)
		return
	}
	h.s.windows.register(w)
	log.Debugf("Window %s registered at %s", w.ID, w.URL)

	res.WriteHeader(http.StatusNoContent)
}

// ClientUnregisterHandler drops an application window from the registry
func (h *handlers) ClientUnregisterHandler(res http.ResponseWriter, req *http.Request) {
	w := push.Window{}
	if err := json.NewDecoder(req.Body).Decode(&w); err != nil || w.ID == "" {
		http.Error(res, "invalid window registration", http.StatusBadRequest)
		return
	}
	h.s.windows.unregister(w.ID)

	res.WriteHeader(http.StatusNoContent)
}

// ClientPollHandler returns the queued window commands for a client
func (h *handlers) ClientPollHandler(res http.ResponseWriter, req *http.Request) {
	client := req.URL.Query().Get("client")
	if client == "" {
		http.Error(res, "client parameter required", http.StatusBadRequest)
		return
	}

	writeJSON(res, http.StatusOK, struct {
		Commands []windowCommand `json:"commands"`
	}{Commands: h.s.windows.poll(client)})
}

// writeSnapshot writes a stored response snapshot out as the HTTP response
func writeSnapshot(res http.ResponseWriter, snap *cache.Snapshot) {
	for name, values := range snap.Header {
		for _, v := range values {
			res.Header().Add(name, v)
		}
	}
	res.WriteHeader(snap.Status)
	if _, err := res.Write(snap.Body); err != nil {
		log.Debugf("Failed to write response body: %s", err)
	}
}

func writeJSON(res http.ResponseWriter, status int, body interface{}) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	if err := json.NewEncoder(res).Encode(body); err != nil {
		log.Errorf("Failed to encode response: %s", err)
	}
}
