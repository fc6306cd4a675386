package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chrisvdg/offlineworker/push"
)

// shellEvent is the callback payload sent to the application shell when a
// notification is rendered or closed
type shellEvent struct {
	Event        string             `json:"event"`
	Tag          string             `json:"tag,omitempty"`
	Notification *push.Notification `json:"notification,omitempty"`
}

// newShellNotifier returns a notifier posting render events to the shell
// callback URL, or a log only notifier when no URL is configured
func newShellNotifier(callbackURL string) push.Notifier {
	if callbackURL == "" {
		log.Info("No shell callback configured, notifications render to the log")
		return &logNotifier{}
	}

	return &shellNotifier{
		url:  callbackURL,
		http: &http.Client{},
	}
}

type shellNotifier struct {
	url  string
	http *http.Client
}

func (s *shellNotifier) Show(ctx context.Context, n *push.Notification) error {
	return s.post(ctx, shellEvent{Event: "show", Tag: n.Tag, Notification: n})
}

func (s *shellNotifier) Close(ctx context.Context, tag string) error {
	return s.post(ctx, shellEvent{Event: "close", Tag: tag})
}

func (s *shellNotifier) post(ctx context.Context, event shellEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to encode shell event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create shell request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "shell callback failed")
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("shell callback returned status %d", resp.StatusCode)
	}

	return nil
}

// logNotifier renders notifications to the log, used when no shell
// callback is configured
type logNotifier struct{}

func (l *logNotifier) Show(ctx context.Context, n *push.Notification) error {
	log.Infof("Notification %s: %s - %s", n.Tag, n.Title, n.Body)
	return nil
}

func (l *logNotifier) Close(ctx context.Context, tag string) error {
	log.Infof("Notification %s closed", tag)
	return nil
}

// windowCommand instructs the shell to focus, navigate or open a window
// Commands without a window id may be picked up by any polling client
type windowCommand struct {
	Op     string `json:"op"`
	URL    string `json:"url"`
	Window string `json:"window,omitempty"`
}

// newWindowRegistry returns an empty window registry
func newWindowRegistry() *windowRegistry {
	return &windowRegistry{
		windows: make(map[string]push.Window),
	}
}

// windowRegistry tracks the application windows the shell has registered
// and queues the commands the shell polls for
// It implements push.Windows
type windowRegistry struct {
	m        sync.Mutex
	windows  map[string]push.Window
	order    []string
	commands []windowCommand
}

func (r *windowRegistry) register(w push.Window) {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.windows[w.ID]; !ok {
		r.order = append(r.order, w.ID)
	}
	r.windows[w.ID] = w
}

func (r *windowRegistry) unregister(id string) {
	r.m.Lock()
	defer r.m.Unlock()
	delete(r.windows, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns the registered windows in registration order
func (r *windowRegistry) List(ctx context.Context) ([]push.Window, error) {
	r.m.Lock()
	defer r.m.Unlock()

	out := make([]push.Window, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.windows[id])
	}

	return out, nil
}

// Focus queues a focus and navigate command for a registered window
func (r *windowRegistry) Focus(ctx context.Context, id, url string) error {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.windows[id]; !ok {
		return errors.Errorf("window %s is not registered", id)
	}
	r.commands = append(r.commands, windowCommand{Op: "focus", URL: url, Window: id})

	return nil
}

// Open queues a command to open a new window
func (r *windowRegistry) Open(ctx context.Context, url string) error {
	r.m.Lock()
	defer r.m.Unlock()
	r.commands = append(r.commands, windowCommand{Op: "open", URL: url})

	return nil
}

// poll drains the commands addressed to a client plus the broadcast ones
func (r *windowRegistry) poll(client string) []windowCommand {
	r.m.Lock()
	defer r.m.Unlock()

	out := []windowCommand{}
	keep := r.commands[:0]
	for _, cmd := range r.commands {
		if cmd.Window == "" || cmd.Window == client {
			out = append(out, cmd)
			continue
		}
		keep = append(keep, cmd)
	}
	r.commands = keep

	return out
}
