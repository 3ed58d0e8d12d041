// Package store implements the transactional + analytical store access
// spec §2 component H/I depend on: the gateway's observability writer
// (internal/observability) and migration manager (internal/migrate) both
// read/write through the connection this package opens, and the row
// inserters here are the bottom of that stack.
//
// Grounded on the teacher's internal/server/db/ent.go dialect-switch
// (`sql.Open("pgx", dsn)` / `sql.Open("sqlite3"/"sqlite", dsn)` behind a
// plain `database/sql.DB`), generalized to spec's two named backends
// (Postgres via jackc/pgx/v5, embedded/dev via modernc.org/sqlite) without
// the ent ORM layer itself — ent's generated client was never part of the
// retrieval pack (see DESIGN.md), so rows here are hand-written SQL against
// the closed table set spec §3/§8 scenario 6 names.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
)

// Dialect selects the SQL backend. Postgres is the production target;
// SQLite is the embedded/dev target (spec §9 carries no opinion on which
// database engine backs "the analytical store" — SPEC_FULL.md's domain
// stack table names both as teacher dependencies).
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store wraps a database/sql.DB with the dialect needed to pick SQL text
// that differs between backends (bind variable style, IF NOT EXISTS
// support).
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open opens a Store for the given dialect/dsn. The pgx and sqlite drivers
// are registered via blank import above, matching the teacher's pattern of
// registering drivers once at the db package and selecting by dialect at
// call time.
func Open(dialect Dialect, dsn string) (*Store, error) {
	var driver string

	switch dialect {
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, gwerr.New(gwerr.KindConfig, "unknown store dialect "+string(dialect))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreConnection, "open store", err)
	}

	return &Store{DB: db, Dialect: dialect}, nil
}

// Ping verifies connectivity (spec §6 GET /health "downstream store
// health").
func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return gwerr.Wrap(gwerr.KindStoreConnection, "ping store", err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Bind exposes the i-th (1-based) dialect bind variable to callers outside
// this package (internal/migrate builds ad hoc DDL/DML that still needs to
// be dialect-portable).
func (s *Store) Bind(i int) string {
	return s.bind(i)
}

// bind renders the i-th (1-based) bind variable in this store's dialect:
// Postgres uses $1, $2, ...; SQLite accepts plain ? everywhere, so the
// index is irrelevant there but kept for a uniform call shape.
func (s *Store) bind(i int) string {
	if s.Dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}

	return "?"
}

// execWrite runs a write statement and wraps any failure as
// gwerr.KindStoreWrite, the Kind the observability writer is expected to
// log-and-swallow (spec §7 "Storage errors from the observability writer
// are logged and swallowed").
func (s *Store) execWrite(ctx context.Context, query string, args ...any) error {
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return gwerr.Wrap(gwerr.KindStoreWrite, "store write failed", err)
	}

	return nil
}
