package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/chrisvdg/offlineworker/server"
)

func main() {
	c, err := server.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	// flags override the environment, their defaults are the parsed env values
	pflag.StringVarP(&c.ListenAddr, "listenaddr", "l", c.ListenAddr, "http listen address")
	pflag.StringVarP(&c.TLSListenAddr, "tlsaddr", "t", c.TLSListenAddr, "https listen address")
	pflag.StringVarP(&c.TLS.KeyFile, "tlskey", "k", c.TLS.KeyFile, "TLS private key file path")
	pflag.StringVarP(&c.TLS.CertFile, "tlscert", "c", c.TLS.CertFile, "TLS certificate file path")
	pflag.BoolVarP(&c.TLSOnly, "tlsonly", "s", c.TLSOnly, "Only serve TLS")
	pflag.StringVarP(&c.Target, "target", "u", c.Target, "Upstream origin the worker fronts")
	pflag.StringVarP(&c.CacheDir, "cachedir", "d", c.CacheDir, "Cache generation directory")
	pflag.StringVarP(&c.SyncDB, "syncdb", "b", c.SyncDB, "Sync registration database file")
	pflag.StringVarP(&c.ManifestPath, "manifest", "m", c.ManifestPath, "Deployment manifest file path")
	pflag.StringVar(&c.ShellURL, "shellurl", c.ShellURL, "Application shell notification callback URL")
	pflag.BoolVar(&c.SkipWaiting, "skipwaiting", c.SkipWaiting, "Activate installed deployments immediately")
	pflag.BoolVar(&c.Coalesce, "coalesce", c.Coalesce, "Coalesce concurrent cache misses per request")
	pflag.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "Verbose output")
	pflag.Parse()

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	s, err := server.New(c)
	if err != nil {
		log.Fatal(err)
	}

	s.ListenAndServe()
}
