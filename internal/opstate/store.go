// Package opstate persists the agent's small operational state across
// restarts: which backend model was last in use and how many failovers
// have happened. Values are namespaced strings in a single SQLite table.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Namespaces and keys used by the agent.
const (
	NamespaceConversation = "conversation"
	KeyModelIndex         = "model_index"
	KeyFailovers          = "failovers"
)

// Store is a namespaced key-value store backed by SQLite. All methods
// are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

// Get returns the value for namespace/key, or "" if unset.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts namespace/key.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetInt returns an integer value, or def when the key is unset.
func (s *Store) GetInt(namespace, key string, def int) (int, error) {
	v, err := s.Get(namespace, key)
	if err != nil || v == "" {
		return def, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s/%s=%q: %w", namespace, key, v, err)
	}
	return n, nil
}

// SetInt stores an integer value.
func (s *Store) SetInt(namespace, key string, n int) error {
	return s.Set(namespace, key, strconv.Itoa(n))
}

// Incr adds one to an integer value (unset counts as zero) and returns
// the result.
func (s *Store) Incr(namespace, key string) (int, error) {
	n, err := s.GetInt(namespace, key, 0)
	if err != nil {
		return 0, err
	}
	n++
	return n, s.SetInt(namespace, key, n)
}
