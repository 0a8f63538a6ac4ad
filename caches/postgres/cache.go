package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	_ "github.com/lib/pq"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed open_store.sql
	queryOpenStore string
	//go:embed list_stores.sql
	queryListStores string
	//go:embed delete_store.sql
	queryDeleteStore string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed fetch_any.sql
	queryFetchAny string
	//go:embed insert_item.sql
	queryInsertItem string
)

// Config defines the configuration options for the PostgreSQL cache implementation.
type Config struct {
	// MaxEntrySize rejects responses with larger bodies. Zero means caches.DefaultMaxEntrySize.
	MaxEntrySize int64

	// OpTimeout bounds every statement. Zero means caches.DefaultOpTimeout.
	OpTimeout time.Duration
}

// Storage implements offlinecache.Storage using PostgreSQL. Several proxies may share one
// database; store names are global to it.
type Storage struct {
	db *sql.DB

	maxEntrySize int64
	opTimeout    time.Duration
	now          func() time.Time
}

// Cache is one named store inside a Storage.
type Cache struct {
	s    *Storage
	name string
}

func (p *Storage) Open(ctx context.Context, name string) (offlinecache.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	stmt, err := p.db.PrepareContext(ctx, queryOpenStore)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, name, p.now().UTC()); err != nil {
		return nil, err
	}

	return &Cache{s: p, name: name}, nil
}

// Delete removes the store; its entries go with it through the foreign key cascade.
func (p *Storage) Delete(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	stmt, err := p.db.PrepareContext(ctx, queryDeleteStore)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, name)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (p *Storage) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, queryListStores)
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

// Match retrieves an entry from the oldest store holding the key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Storage) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	return scanEntry(key, p.db.QueryRowContext(ctx, queryFetchAny, key))
}

// Match retrieves an entry from this store.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (c *Cache) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.s.opTimeout)
	defer cancel()

	stmt, err := c.s.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	return scanEntry(key, stmt.QueryRowContext(ctx, c.name, key))
}

// Put stores the entry in HTTP wire format, replacing any previous entry for the key.
func (c *Cache) Put(ctx context.Context, key string, e *offlinecache.Entry) error {
	if int64(len(e.Body)) > c.s.maxEntrySize {
		return caches.ErrEntryTooLarge
	}

	wire, err := e.Dump()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.s.opTimeout)
	defer cancel()

	stmt, err := c.s.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, c.name, key, wire, e.CachedAt.UTC())
	return err
}

// Ping verifies the database is reachable.
func (p *Storage) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func scanEntry(key string, row *sql.Row) (*offlinecache.Entry, error) {
	var response []byte
	var cachedAt time.Time
	if err := row.Scan(&response, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	return offlinecache.ParseEntry(key, response, cachedAt.UTC())
}

// createTable runs without arguments so the driver sends both statements in one simple query.
func createTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, queryCreateTable)
	return err
}

// New creates a new PostgreSQL cache storage with the provided configuration.
// It verifies the database connection and creates the necessary table structure.
//
// Returns an error if:
// - The database is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil database"}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	s := &Storage{
		db: db,

		maxEntrySize: caches.DefaultMaxEntrySize,
		opTimeout:    caches.DefaultOpTimeout,
		now:          time.Now,
	}

	if config != nil {
		if config.MaxEntrySize > 0 {
			s.maxEntrySize = config.MaxEntrySize
		}
		if config.OpTimeout > 0 {
			s.opTimeout = config.OpTimeout
		}
	}

	return s, nil
}
