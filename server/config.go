package server

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config represents a server config
// Every field can be set through the environment and overridden by flags
type Config struct {
	ListenAddr    string    `env:"OFFLINEWORKER_LISTEN_ADDR" envDefault:":8080"`
	TLSListenAddr string    `env:"OFFLINEWORKER_TLS_ADDR" envDefault:":8443"`
	TLSOnly       bool      `env:"OFFLINEWORKER_TLS_ONLY"`
	TLS           TLSConfig `envPrefix:"OFFLINEWORKER_TLS_"`
	Verbose       bool      `env:"OFFLINEWORKER_VERBOSE"`

	// Target is the upstream origin the worker fronts
	Target string `env:"OFFLINEWORKER_TARGET"`
	// CacheDir holds the cache generations
	CacheDir string `env:"OFFLINEWORKER_CACHE_DIR" envDefault:"./cache"`
	// SyncDB holds the durable sync tag registrations
	SyncDB string `env:"OFFLINEWORKER_SYNC_DB" envDefault:"./sync.db"`
	// ManifestPath points at the deployment manifest
	ManifestPath string `env:"OFFLINEWORKER_MANIFEST" envDefault:"./manifest.yaml"`
	// ShellURL is the application shell callback endpoint for rendering
	// notifications, empty renders to the log only
	ShellURL string `env:"OFFLINEWORKER_SHELL_URL"`
	// SkipWaiting activates an installed deployment immediately instead of
	// waiting for the foreground to instruct take over
	SkipWaiting bool `env:"OFFLINEWORKER_SKIP_WAITING"`
	// Coalesce serializes concurrent cache-first misses per request identity
	Coalesce bool `env:"OFFLINEWORKER_COALESCE"`

	ProbeInterval   time.Duration `env:"OFFLINEWORKER_PROBE_INTERVAL" envDefault:"30s"`
	JanitorInterval time.Duration `env:"OFFLINEWORKER_JANITOR_INTERVAL" envDefault:"10m"`
}

// TLSConfig represents a TLS configuration
type TLSConfig struct {
	KeyFile  string `env:"KEY_FILE"`
	CertFile string `env:"CERT_FILE"`
}

// FromEnv returns a config populated from the environment
func FromEnv() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	return c, nil
}
