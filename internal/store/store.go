// Package store is the SQLite-backed host store. It executes schema
// operations, records namespace versions and sync states, and materializes
// snapshots and deltas into user tables.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/polykit/eslite/internal/catalog"
	"github.com/polykit/eslite/pkg/types"
)

//go:embed migrations/*.sql
var bookkeepingFS embed.FS

// reservedPrefix is used by the bookkeeping tables and cannot be used by
// user tables.
const reservedPrefix = "eslite_"

// Store wraps a single-writer SQLite database.
type Store struct {
	db   *sql.DB
	path string

	// mu serializes schema changes and guards cat and owners
	mu     sync.RWMutex
	cat    catalog.Catalog
	owners map[string]string // table -> namespace that created it
}

// ErrForeignTable is returned when a namespace changes a table created by
// another namespace.
var ErrForeignTable = errors.New("table belongs to another namespace")

// Open opens (creating if needed) the database at path and brings the
// bookkeeping schema up to date. ":memory:" opens a private in-memory
// database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// Single connection: one writer, and an in-memory database must never
	// be reopened.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	s := &Store{db: db, path: path, cat: catalog.New(), owners: make(map[string]string)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	if err := s.loadTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema applies the embedded bookkeeping migrations.
func (s *Store) initSchema() error {
	src, err := iofs.New(bookkeepingFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{
		MigrationsTable: "eslite_bookkeeping_migrations",
	})
	if err != nil {
		src.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return err
	}
	// m.Close would also close s.db through the driver; release only the source.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// loadTables rebuilds the in-memory catalog from eslite_tables.
func (s *Store) loadTables(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT namespace, def_json FROM eslite_tables ORDER BY name")
	if err != nil {
		return fmt.Errorf("store: failed to load table definitions: %w", err)
	}
	defer rows.Close()

	var defs []types.TableDef
	owners := make(map[string]string)
	for rows.Next() {
		var namespace, raw string
		if err := rows.Scan(&namespace, &raw); err != nil {
			return fmt.Errorf("store: failed to scan table definition: %w", err)
		}
		var def types.TableDef
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return fmt.Errorf("store: corrupt table definition: %w", err)
		}
		defs = append(defs, def)
		owners[def.Name] = namespace
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cat = catalog.New(defs...)
	s.owners = owners
	s.mu.Unlock()
	return nil
}

// DB exposes the connection for read-only collaborators such as the query
// engine.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the path the store was opened with.
func (s *Store) Path() string { return s.path }

// Table returns the tracked definition of a user table.
func (s *Store) Table(name string) (types.TableDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.Table(name)
}

// Owner returns the namespace that created table.
func (s *Store) Owner(table string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.owners[table]
	return ns, ok
}

// Tables returns every tracked user table.
func (s *Store) Tables() []types.TableDef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat.Tables()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isReserved(table string) bool {
	return strings.HasPrefix(strings.ToLower(table), reservedPrefix)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
