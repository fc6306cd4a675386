package bgsync

import (
	"context"
	"database/sql"
	"time"

	// sqlite driver backing the registration store
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Registration is a durably registered sync tag
type Registration struct {
	Tag          string
	RegisteredAt time.Time
}

// NewStore opens the registration database, creating it when missing
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sync database path not provided")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sync database")
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS registrations (
		tag TEXT PRIMARY KEY,
		registered_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create registrations table")
	}

	s := &Store{db: db}
	s.register, err = db.Prepare(
		"INSERT INTO registrations (tag, registered_at) VALUES (?, ?) ON CONFLICT(tag) DO NOTHING")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to prepare register statement")
	}
	s.remove, err = db.Prepare("DELETE FROM registrations WHERE tag = ?")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to prepare remove statement")
	}

	return s, nil
}

// Store durably holds the pending sync tag registrations
type Store struct {
	db       *sql.DB
	register *sql.Stmt
	remove   *sql.Stmt
}

// Register records a tag as pending
// Registering an already pending tag keeps the original registration time
func (s *Store) Register(ctx context.Context, tag string) error {
	if _, err := s.register.ExecContext(ctx, tag, time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "failed to register sync tag %s", tag)
	}

	return nil
}

// Remove drops a tag from the pending set
func (s *Store) Remove(ctx context.Context, tag string) error {
	if _, err := s.remove.ExecContext(ctx, tag); err != nil {
		return errors.Wrapf(err, "failed to remove sync tag %s", tag)
	}

	return nil
}

// Pending lists the registered tags, oldest first
func (s *Store) Pending(ctx context.Context) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag, registered_at FROM registrations ORDER BY registered_at, tag")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query registrations")
	}
	defer rows.Close()

	regs := []Registration{}
	for rows.Next() {
		var tag string
		var at int64
		if err := rows.Scan(&tag, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan registration")
		}
		regs = append(regs, Registration{Tag: tag, RegisteredAt: time.Unix(at, 0)})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read registrations")
	}

	return regs, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
