// Package kv implements C1: a named key-value tree abstraction over a
// single-process, durable SQLite database (one table per tree). It is the
// storage foundation every other component in the engine is layered on.
//
// Grounded on the teacher's pkg/storage/postgres/connection.go (pooled
// *sql.DB, context-first methods, %w error wrapping) and
// pkg/storage/filesystem.go (one logical namespace per tree).
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Pair is a single key/value entry yielded by Iter, in key order.
type Pair struct {
	Key   string
	Value []byte
}

// Store owns the underlying SQLite connection and hands out Trees.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	trees map[string]*Tree
}

// Open opens (creating if necessary) the SQLite-backed store at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("kv: failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-process, single-writer; avoids SQLITE_BUSY under WAL
	return &Store{db: db, trees: make(map[string]*Tree)}, nil
}

// OpenWithDB wraps an already-open *sql.DB (used by tests with sqlmock).
func OpenWithDB(db *sql.DB) *Store {
	return &Store{db: db, trees: make(map[string]*Tree)}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tree returns the named tree, creating its backing table on first use.
// Known tree names per spec §6.1: atoms, atom_refs, schemas, schema_states,
// transforms, transform_mappings, permissions.
func (s *Store) Tree(name string) (*Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.trees[name]; ok {
		return t, nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tree_%s (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`, sanitize(name))
	if _, err := s.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("kv: failed to create tree %q: %w", name, err)
	}

	t := &Tree{db: s.db, table: "tree_" + sanitize(name), name: name}
	s.trees[name] = t
	return t, nil
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// Tree is a named, byte-keyed namespace within the store.
type Tree struct {
	db    *sql.DB
	table string
	name  string
}

// Name returns the tree's logical name.
func (t *Tree) Name() string { return t.name }

// Get returns the value for key, or ok=false if absent.
func (t *Tree) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := t.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = ?", t.table), key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: get %s/%s: %w", t.name, key, err)
	}
	return value, true, nil
}

// Put writes key=value, overwriting any existing entry.
func (t *Tree) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", t.table),
		key, value)
	if err != nil {
		return fmt.Errorf("kv: put %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Remove deletes key, returning whether it previously existed.
func (t *Tree) Remove(ctx context.Context, key string) (bool, error) {
	res, err := t.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", t.table), key)
	if err != nil {
		return false, fmt.Errorf("kv: remove %s/%s: %w", t.name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv: remove %s/%s: %w", t.name, key, err)
	}
	return n > 0, nil
}

// Iter returns all key/value pairs in key order.
func (t *Tree) Iter(ctx context.Context) ([]Pair, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf("SELECT key, value FROM %s ORDER BY key ASC", t.table))
	if err != nil {
		return nil, fmt.Errorf("kv: iter %s: %w", t.name, err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("kv: iter %s: %w", t.name, err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: iter %s: %w", t.name, err)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// Flush guarantees durability of all writes made before the call returns.
func (t *Tree) Flush(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("kv: flush %s: %w", t.name, err)
	}
	return nil
}
