package push

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ActionDismiss closes a notification with no further effect
const ActionDismiss = "dismiss"

// ErrNotificationNotFound represents an interaction with a notification
// that is no longer live
var ErrNotificationNotFound = errors.New("notification not found")

// Notifier renders notifications to the user, implemented by the
// application shell
type Notifier interface {
	Show(ctx context.Context, n *Notification) error
	Close(ctx context.Context, tag string) error
}

// Window is an open application window known to the shell
type Window struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Windows exposes the application windows the shell manages
type Windows interface {
	List(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id, url string) error
	Open(ctx context.Context, url string) error
}

// Click is a user interaction with a live notification
type Click struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

// NewCenter returns a notification center rendering through the provided
// notifier and routing interactions to the provided windows
func NewCenter(notifier Notifier, windows Windows) *Center {
	return &Center{
		notifier: notifier,
		windows:  windows,
		live:     make(map[string]*Notification),
	}
}

// Center holds the live notifications keyed by tag
type Center struct {
	notifier Notifier
	windows  Windows

	m    sync.Mutex
	live map[string]*Notification
}

// Dispatch decodes a push payload and renders the resulting notification
// A notification with the same tag replaces the prior one instead of
// stacking on top of it
func (c *Center) Dispatch(ctx context.Context, body []byte) (*Notification, error) {
	n := Normalize(Decode(body))

	c.m.Lock()
	if prior, ok := c.live[n.Tag]; ok {
		log.Debugf("Notification %s supersedes prior from %s", n.Tag, prior.ShownAt)
	}
	c.live[n.Tag] = &n
	c.m.Unlock()

	if err := c.notifier.Show(ctx, &n); err != nil {
		return nil, errors.Wrapf(err, "failed to show notification %s", n.Tag)
	}
	log.Infof("Notification %s shown", n.Tag)

	return &n, nil
}

// HandleClick routes a notification interaction
// Dismiss closes the notification with no further effect. Any other
// interaction closes it and brings an existing window to the foreground
// navigated to the target URL, opening a new window only when none exists
func (c *Center) HandleClick(ctx context.Context, click Click) error {
	c.m.Lock()
	n, ok := c.live[click.Tag]
	if ok {
		delete(c.live, click.Tag)
	}
	c.m.Unlock()
	if !ok {
		return ErrNotificationNotFound
	}

	if err := c.notifier.Close(ctx, click.Tag); err != nil {
		log.Errorf("Failed to close notification %s: %s", click.Tag, err)
	}
	if click.Action == ActionDismiss {
		return nil
	}

	windows, err := c.windows.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list windows")
	}
	if len(windows) > 0 {
		log.Debugf("Focusing window %s for notification %s", windows[0].ID, click.Tag)
		return c.windows.Focus(ctx, windows[0].ID, n.URL)
	}
	log.Debugf("Opening new window for notification %s", click.Tag)

	return c.windows.Open(ctx, n.URL)
}

// Live returns a snapshot of the live notifications
func (c *Center) Live() []*Notification {
	c.m.Lock()
	defer c.m.Unlock()

	out := make([]*Notification, 0, len(c.live))
	for _, n := range c.live {
		clone := *n
		out = append(out, &clone)
	}

	return out
}
