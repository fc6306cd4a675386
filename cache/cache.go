package cache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrEntryNotFound represents an error where a cache entry was not found
	ErrEntryNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound represents an error where a cache generation was not found
	ErrGenerationNotFound = errors.New("cache generation not found")
)

// NewStore returns a new Store instance rooted at the provided directory
// Every named generation lives in its own subdirectory
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir not provided")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrap(err, "failed to create cache dir")
	}

	return &Store{
		dir: dir,
		m:   &sync.Mutex{},
	}, nil
}

// Store represents the on disk collection of named cache generations
type Store struct {
	dir string
	// m guards generation creation and deletion, not entry access
	m *sync.Mutex
}

// Dir returns the root directory of the store
func (s *Store) Dir() string {
	return s.dir
}

// Open returns the named generation, creating it if it does not exist yet
func (s *Store) Open(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.m.Lock()
	defer s.m.Unlock()

	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create generation %s", name)
	}

	return &Generation{name: name, dir: dir}, nil
}

// Lookup returns the named generation without creating it
func (s *Store) Lookup(name string) (*Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, name)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, ErrGenerationNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat generation %s", name)
	}
	if !info.IsDir() {
		return nil, ErrGenerationNotFound
	}

	return &Generation{name: name, dir: dir}, nil
}

// Names lists the names of all stored generations
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache dir")
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return names, nil
}

// Delete removes a generation and all of its entries
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
		return errors.Wrapf(err, "failed to delete generation %s", name)
	}

	return nil
}

// PurgeAll unconditionally deletes every generation, current ones included
// It returns the amount of generations that were removed
func (s *Store) PurgeAll() (int, error) {
	names, err := s.Names()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, name := range names {
		if err := s.Delete(name); err != nil {
			log.Errorf("Failed to purge generation %s: %s", name, err)
			continue
		}
		purged++
	}

	return purged, nil
}

// validateName rejects generation names that would escape the store dir
func validateName(name string) error {
	if name == "" {
		return errors.New("generation name is empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return errors.Errorf("invalid generation name %q", name)
	}

	return nil
}
