package push

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Defaults filled in when a payload omits a field, so a rendered
// notification is always complete
const (
	DefaultTitle = "Workspace"
	DefaultIcon  = "/static/icons/notification.png"
	DefaultBadge = "/static/icons/badge.png"
	DefaultURL   = "/"
)

// Payload is the structured push payload, every field optional
type Payload struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Tag     string   `json:"tag"`
	URL     string   `json:"url"`
	Actions []Action `json:"actions"`
}

// Action is a button rendered on a notification
type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Decoded is the tagged result of parsing a push payload
// Exactly one of Parsed and Raw is set
type Decoded struct {
	Parsed *Payload
	Raw    string
}

// Notification is the complete descriptor of a user visible notification
// A new notification with the same tag supersedes the previous one
type Notification struct {
	Tag     string    `json:"tag"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon"`
	Badge   string    `json:"badge"`
	URL     string    `json:"url"`
	Actions []Action  `json:"actions,omitempty"`
	ShownAt time.Time `json:"shown_at"`
}

// Decode parses a push payload
// A payload that is not a JSON object degrades to its raw text, a push is
// never dropped for being malformed
func Decode(body []byte) Decoded {
	p := &Payload{}
	if err := json.Unmarshal(body, p); err != nil {
		return Decoded{Raw: string(body)}
	}

	return Decoded{Parsed: p}
}

// Normalize turns a decoded payload into a complete notification with all
// defaults filled in
// Raw text becomes the body under the default title
func Normalize(d Decoded) Notification {
	n := Notification{
		Title:   DefaultTitle,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		URL:     DefaultURL,
		ShownAt: time.Now(),
	}

	if d.Parsed == nil {
		n.Body = strings.TrimSpace(d.Raw)
		n.Tag = deriveTag(n.Title, n.Body)
		return n
	}

	p := d.Parsed
	if p.Title != "" {
		n.Title = p.Title
	}
	n.Body = p.Body
	if p.Icon != "" {
		n.Icon = p.Icon
	}
	if p.Badge != "" {
		n.Badge = p.Badge
	}
	if p.URL != "" {
		n.URL = p.URL
	}
	n.Actions = p.Actions
	n.Tag = p.Tag
	if n.Tag == "" {
		n.Tag = deriveTag(n.Title, n.Body)
	}

	return n
}

// deriveTag returns a stable tag for payloads that carry none, so repeated
// identical pushes still supersede each other
func deriveTag(title, body string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + body))

	return "push-" + hex.EncodeToString(sum[:6])
}
