package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Generation represents a single named cache generation
// Entry reads and writes are individually atomic, a read-then-write
// sequence is not atomic as a whole
type Generation struct {
	name string
	dir  string
}

// Name returns the generation name
func (g *Generation) Name() string {
	return g.name
}

// Get returns the stored snapshot for a request identity
func (g *Generation) Get(key string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(g.dir, Filename(key)))
	if os.IsNotExist(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read entry %q", key)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode entry %q", key)
	}

	return snap, nil
}

// Has reports whether an entry exists for a request identity
func (g *Generation) Has(key string) bool {
	_, err := os.Stat(filepath.Join(g.dir, Filename(key)))

	return err == nil
}

// Put stores a snapshot, replacing any previous entry for the same key
func (g *Generation) Put(snap *Snapshot) error {
	if snap.Key == "" {
		return errors.New("snapshot has no key")
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now()
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(g.dir, Filename(snap.Key), data); err != nil {
		return errors.Wrapf(err, "failed to store entry %q", snap.Key)
	}

	return nil
}

// Keys lists the request identities stored in this generation
// It decodes every snapshot record, callers are the install check, the
// status endpoint and tests
func (g *Generation) Keys() ([]string, error) {
	files, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list generation %s", g.name)
	}
	keys := []string{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), snapExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(g.dir, f.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read entry file %s", f.Name())
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode entry file %s", f.Name())
		}
		keys = append(keys, snap.Key)
	}

	return keys, nil
}

// Len returns the amount of entries in this generation
func (g *Generation) Len() (int, error) {
	files, err := os.ReadDir(g.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list generation %s", g.name)
	}
	n := 0
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), snapExt) {
			n++
		}
	}

	return n, nil
}
