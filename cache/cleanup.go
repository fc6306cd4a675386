package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// tmpGracePeriod is how long a temp file may exist before the janitor
// considers its write interrupted
const tmpGracePeriod = time.Minute

// Janitor periodically removes temp files left behind by interrupted
// snapshot writes. It blocks until the quit channel is closed
func (s *Store) Janitor(interval time.Duration, quit <-chan struct{}) {
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	for {
		select {
		case <-ticker.C:
			s.sweepTempFiles(time.Now())
		case <-quit:
			ticker.Stop()
			return
		}
	}
}

// sweepTempFiles deletes temp files older than the grace period
// Recent temp files are left alone, their writes may still be in flight
func (s *Store) sweepTempFiles(now time.Time) {
	log.Debug("Started sweeping interrupted cache writes")

	names, err := s.Names()
	if err != nil {
		log.Errorf("Failed to list generations: %s", err)
		return
	}
	for _, name := range names {
		dir := filepath.Join(s.dir, name)
		files, err := os.ReadDir(dir)
		if err != nil {
			log.Errorf("Failed to list generation %s: %s", name, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.Contains(f.Name(), tmpMarker) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < tmpGracePeriod {
				continue
			}
			log.Debugf("Removing interrupted write %s", f.Name())
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				log.Errorf("Failed to delete file %s: %s", f.Name(), err)
			}
		}
	}

	log.Debug("Finished sweeping interrupted cache writes")
}
