package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultOfflinePage is the navigation fallback asset used when a
// manifest does not name one
const DefaultOfflinePage = "/offline"

// SyncBinding binds a background sync tag to the remote operation that
// is executed when the tag fires
type SyncBinding struct {
	Tag string `yaml:"tag"`
	URL string `yaml:"url"`
}

// Manifest describes a single deployment of the application shell
type Manifest struct {
	// Version tags the cache generations created for this deployment
	Version int `yaml:"version"`
	// Assets is the ordered list of paths pre-warmed at install time
	Assets []string `yaml:"assets"`
	// OfflinePage is served when a navigation fails with no cached entry
	// and must be listed in Assets
	OfflinePage string `yaml:"offline_page,omitempty"`
	// APIPrefixes lists the path prefixes served network-first
	APIPrefixes []string `yaml:"api_prefixes,omitempty"`
	// Sync lists the background sync tags known to this deployment
	Sync []SyncBinding `yaml:"sync,omitempty"`
}

// Load reads a manifest file and validates it
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest file")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid manifest %s", path)
	}

	return m, nil
}

// Parse parses manifest yaml, applies defaults and validates the result
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest yaml")
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.OfflinePage == "" {
		m.OfflinePage = DefaultOfflinePage
	}
	m.Assets = dedupe(m.Assets)
}

// Validate reports manifest configuration errors
func (m *Manifest) Validate() error {
	if m.Version < 1 {
		return errors.Errorf("manifest version must be at least 1, got %d", m.Version)
	}
	if len(m.Assets) == 0 {
		return errors.New("manifest lists no assets to pre-warm")
	}
	for _, a := range m.Assets {
		if !strings.HasPrefix(a, "/") {
			return errors.Errorf("asset %q is not an absolute path", a)
		}
	}
	if !m.hasAsset(m.OfflinePage) {
		return errors.Errorf("offline page %s is not in the asset list", m.OfflinePage)
	}
	for _, p := range m.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			return errors.Errorf("api prefix %q is not an absolute path", p)
		}
	}
	seen := make(map[string]bool, len(m.Sync))
	for _, s := range m.Sync {
		if s.Tag == "" {
			return errors.New("sync binding with empty tag")
		}
		if seen[s.Tag] {
			return errors.Errorf("duplicate sync tag %s", s.Tag)
		}
		if !strings.HasPrefix(s.URL, "/") {
			return errors.Errorf("sync tag %s has invalid operation url %q", s.Tag, s.URL)
		}
		seen[s.Tag] = true
	}

	return nil
}

// StaticGeneration returns the name of the static cache generation for
// this deployment
func (m *Manifest) StaticGeneration() string {
	return fmt.Sprintf("static@v%d", m.Version)
}

// DynamicGeneration returns the name of the dynamic cache generation for
// this deployment
func (m *Manifest) DynamicGeneration() string {
	return fmt.Sprintf("dynamic@v%d", m.Version)
}

// SyncURL returns the remote operation bound to a sync tag
func (m *Manifest) SyncURL(tag string) (string, bool) {
	for _, s := range m.Sync {
		if s.Tag == tag {
			return s.URL, true
		}
	}

	return "", false
}

func (m *Manifest) hasAsset(path string) bool {
	for _, a := range m.Assets {
		if a == path {
			return true
		}
	}

	return false
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}

	return out
}
