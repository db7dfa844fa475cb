package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	dimensions      INTEGER NOT NULL,
	m               INTEGER NOT NULL,
	ef_construction INTEGER NOT NULL,
	ef_search       INTEGER NOT NULL,
	drop_ratio      REAL NOT NULL,
	created_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	collection  TEXT NOT NULL,
	doc_id      TEXT NOT NULL DEFAULT '',
	doc_source  TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	dense       BLOB NOT NULL,
	sparse      BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_source ON records(collection, doc_source);
CREATE INDEX IF NOT EXISTS idx_records_doc ON records(collection, doc_id);
`

// lockRetryDelay is how often a blocked EnsureCollection polls the file lock.
const lockRetryDelay = 50 * time.Millisecond

// DB is a SQLite-backed set of collections.
//
// Collection creation is serialized across processes with an advisory lock
// file next to the database, and within the process by a mutex. In-memory
// databases only use the mutex.
type DB struct {
	mu          sync.Mutex
	db          *sql.DB
	path        string
	lock        *flock.Flock
	collections map[string]*Collection
	closed      bool
}

// Open opens or creates the database at path. An empty path creates an
// in-memory database for tests.
func Open(path string) (*DB, error) {
	var dsn string
	var lock *flock.Flock
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, rerrors.New(rerrors.ErrCodeStoreOpen,
				fmt.Sprintf("failed to create directory %s", dir), err)
		}
		// WAL for concurrent readers; busy timeout bounds lock waits
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
		lock = flock.New(path + ".lock")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeStoreOpen, "failed to open database", err)
	}

	// Single writer; the in-memory database lives only as long as its one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite
	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, rerrors.New(rerrors.ErrCodeStoreOpen, fmt.Sprintf("failed to apply %q", p), err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, rerrors.New(rerrors.ErrCodeStoreOpen, "failed to initialize schema", err)
	}

	return &DB{
		db:          db,
		path:        path,
		lock:        lock,
		collections: make(map[string]*Collection),
	}, nil
}

// Path returns the database file path, or "" for an in-memory database.
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle to components that keep their own
// tables in the same file.
func (d *DB) SQL() *sql.DB { return d.db }

// withCreateLock runs fn holding the in-process mutex and, for file-backed
// databases, the cross-process advisory lock.
func (d *DB) withCreateLock(ctx context.Context, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return rerrors.StorageError("database is closed", nil)
	}

	if d.lock != nil {
		locked, err := d.lock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return rerrors.New(rerrors.ErrCodeStoreBusy, "failed to acquire collection lock", err)
		}
		if !locked {
			return rerrors.New(rerrors.ErrCodeStoreBusy, "collection lock is held by another process", nil)
		}
		defer func() {
			if err := d.lock.Unlock(); err != nil {
				slog.Warn("collection_lock_release_failed", slog.String("error", err.Error()))
			}
		}()
	}

	return fn()
}

// EnsureCollection opens the named collection, creating it with schema if it
// does not exist. Repeated calls return the same handle. An existing
// collection whose stored schema differs is a fatal configuration error.
func (d *DB) EnsureCollection(ctx context.Context, name string, schema Schema, opts ...CollectionOption) (*Collection, error) {
	if name == "" {
		return nil, rerrors.ValidationError("collection name is empty", nil)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	var coll *Collection
	err := d.withCreateLock(ctx, func() error {
		if c, ok := d.collections[name]; ok {
			if !c.isGone() {
				if c.schema != schema {
					return schemaMismatch(name, c.schema, schema)
				}
				coll = c
				return nil
			}
			// Dropped by another process; open afresh
			delete(d.collections, name)
		}

		stored, found, err := d.loadSchema(ctx, name)
		if err != nil {
			return err
		}
		if found && stored != schema {
			return schemaMismatch(name, stored, schema)
		}
		if !found {
			_, err := d.db.ExecContext(ctx, `
				INSERT INTO collections (name, dimensions, m, ef_construction, ef_search, drop_ratio)
				VALUES (?, ?, ?, ?, ?, ?)`,
				name, schema.Dimensions, schema.M, schema.EfConstruction, schema.EfSearch, schema.DropRatio)
			if err != nil {
				return rerrors.New(rerrors.ErrCodeStoreWrite, "failed to create collection", err)
			}
			slog.Info("collection_created",
				slog.String("collection", name),
				slog.String("schema", schema.String()))
		}

		c := newCollection(d, name, schema, opts...)
		if err := c.load(ctx); err != nil {
			return err
		}
		d.collections[name] = c
		coll = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coll, nil
}

func schemaMismatch(name string, stored, requested Schema) error {
	return rerrors.New(rerrors.ErrCodeSchemaMismatch,
		fmt.Sprintf("collection %q exists with a different schema", name), nil).
		WithDetail("stored", stored.String()).
		WithDetail("requested", requested.String()).
		WithSuggestion("Use the stored parameters, or drop the collection and re-ingest")
}

func (d *DB) loadSchema(ctx context.Context, name string) (Schema, bool, error) {
	var s Schema
	err := d.db.QueryRowContext(ctx, `
		SELECT dimensions, m, ef_construction, ef_search, drop_ratio
		FROM collections WHERE name = ?`, name).
		Scan(&s.Dimensions, &s.M, &s.EfConstruction, &s.EfSearch, &s.DropRatio)
	if errors.Is(err, sql.ErrNoRows) {
		return Schema{}, false, nil
	}
	if err != nil {
		return Schema{}, false, rerrors.New(rerrors.ErrCodeStoreRead, "failed to read collection schema", err)
	}
	return s, true, nil
}

// DropCollection irreversibly deletes a collection and its records. It
// reports whether the collection existed.
func (d *DB) DropCollection(ctx context.Context, name string) (bool, error) {
	var existed bool
	err := d.withCreateLock(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return rerrors.New(rerrors.ErrCodeStoreWrite, "failed to begin transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
			return rerrors.New(rerrors.ErrCodeStoreWrite, "failed to delete records", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
		if err != nil {
			return rerrors.New(rerrors.ErrCodeStoreWrite, "failed to delete collection", err)
		}
		if err := tx.Commit(); err != nil {
			return rerrors.New(rerrors.ErrCodeStoreWrite, "failed to commit drop", err)
		}

		n, _ := res.RowsAffected()
		existed = n > 0

		if c, ok := d.collections[name]; ok {
			c.invalidate("collection was dropped")
			delete(d.collections, name)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if existed {
		slog.Info("collection_dropped", slog.String("collection", name))
	}
	return existed, nil
}

// dataVersion returns SQLite's data_version for the pool's single
// connection. It moves only when another connection commits, so a handle's
// own writes never look like outside changes.
func (d *DB) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := d.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, storeErr(rerrors.ErrCodeStoreRead, "failed to read data version", err)
	}
	return v, nil
}

// ListCollections returns every stored collection with its record count.
func (d *DB) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.name, c.dimensions, c.m, c.ef_construction, c.ef_search, c.drop_ratio,
		       (SELECT COUNT(*) FROM records r WHERE r.collection = c.name)
		FROM collections c ORDER BY c.name`)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeStoreRead, "failed to list collections", err)
	}
	defer rows.Close()

	var out []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		s := &info.Schema
		if err := rows.Scan(&info.Name, &s.Dimensions, &s.M, &s.EfConstruction, &s.EfSearch, &s.DropRatio, &info.Records); err != nil {
			return nil, rerrors.New(rerrors.ErrCodeStoreRead, "failed to scan collection", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.New(rerrors.ErrCodeStoreRead, "failed to list collections", err)
	}
	return out, nil
}

// Close releases every collection handle and the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	for name, c := range d.collections {
		c.invalidate("database is closed")
		delete(d.collections, name)
	}
	return d.db.Close()
}
