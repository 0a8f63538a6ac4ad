package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

//go:embed schema.sql
var querySchema string

const (
	queryOpenStore = `INSERT INTO cache_stores (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`

	queryListStores = `SELECT name FROM cache_stores ORDER BY rowid`

	queryDeleteStore = `DELETE FROM cache_stores WHERE name = ?`

	queryDeleteEntries = `DELETE FROM cache_entries WHERE cache_name = ?`

	queryPutEntry = `INSERT INTO cache_entries (cache_name, key, response, cached_at) VALUES (?, ?, ?, ?)
ON CONFLICT (cache_name, key) DO UPDATE SET response = excluded.response, cached_at = excluded.cached_at`

	queryMatchEntry = `SELECT response, cached_at FROM cache_entries WHERE cache_name = ? AND key = ?`

	queryMatchAny = `SELECT e.response, e.cached_at FROM cache_entries e
JOIN cache_stores s ON s.name = e.cache_name
WHERE e.key = ? ORDER BY s.rowid LIMIT 1`
)

// Config defines the configuration options for the SQLite cache implementation.
type Config struct {
	// MaxEntrySize rejects responses with larger bodies. Zero means caches.DefaultMaxEntrySize.
	MaxEntrySize int64
}

// Storage implements offlinecache.Storage on a single SQLite database.
type Storage struct {
	db *sql.DB

	maxEntrySize int64
	now          func() time.Time
}

// Cache is one named store inside a Storage.
type Cache struct {
	s    *Storage
	name string
}

// Open opens the database file at path and prepares it with New.
func Open(ctx context.Context, path string, config *Config) (*Storage, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite performs best with a single writer
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db, config)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// New creates the schema on db if needed and returns a Storage backed by it.
func New(ctx context.Context, db *sql.DB, config *Config) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil database"}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.ExecContext(ctx, querySchema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	maxEntrySize := caches.DefaultMaxEntrySize
	if config != nil && config.MaxEntrySize > 0 {
		maxEntrySize = config.MaxEntrySize
	}

	return &Storage{
		db:           db,
		maxEntrySize: maxEntrySize,
		now:          time.Now,
	}, nil
}

func (s *Storage) Open(ctx context.Context, name string) (offlinecache.Store, error) {
	if _, err := s.db.ExecContext(ctx, queryOpenStore, name, s.now().UTC().UnixNano()); err != nil {
		return nil, err
	}

	return &Cache{s: s, name: name}, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryDeleteEntries, name); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, queryDeleteStore, name)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, tx.Commit()
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListStores)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func (s *Storage) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	return scanEntry(key, s.db.QueryRowContext(ctx, queryMatchAny, key))
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	return scanEntry(key, c.s.db.QueryRowContext(ctx, queryMatchEntry, c.name, key))
}

func (c *Cache) Put(ctx context.Context, key string, e *offlinecache.Entry) error {
	if int64(len(e.Body)) > c.s.maxEntrySize {
		return caches.ErrEntryTooLarge
	}

	wire, err := e.Dump()
	if err != nil {
		return err
	}

	_, err = c.s.db.ExecContext(ctx, queryPutEntry, c.name, key, wire, e.CachedAt.UTC().UnixNano())
	return err
}

func scanEntry(key string, row *sql.Row) (*offlinecache.Entry, error) {
	var wire []byte
	var cachedAt int64
	if err := row.Scan(&wire, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return offlinecache.ParseEntry(key, wire, time.Unix(0, cachedAt).UTC())
}
