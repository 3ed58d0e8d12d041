package migrate

import (
	"context"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// tableExists checks the manifest (spec §4.9 "Manifest: table existence,
// column existence/type/default expression") in a dialect-appropriate way.
func tableExists(ctx context.Context, st *store.Store, name string) (bool, error) {
	var query string

	switch st.Dialect {
	case store.DialectPostgres:
		query = "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
	default:
		query = "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)"
	}

	var exists bool
	if err := st.DB.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return false, gwerr.Wrap(gwerr.KindStoreMigration, "check table existence", err)
	}

	return exists, nil
}

// columnExists checks whether table has column, used to make ALTER TABLE
// ADD COLUMN idempotent on dialects (SQLite) without IF NOT EXISTS support
// for column addition.
func columnExists(ctx context.Context, st *store.Store, table, column string) (bool, error) {
	var query string

	switch st.Dialect {
	case store.DialectPostgres:
		query = "SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2)"
	default:
		query = "SELECT COUNT(*) > 0 FROM pragma_table_info(?) WHERE name = ?"
	}

	var exists bool
	if err := st.DB.QueryRowContext(ctx, query, table, column).Scan(&exists); err != nil {
		return false, gwerr.Wrap(gwerr.KindStoreMigration, "check column existence", err)
	}

	return exists, nil
}

// execDDL runs a single DDL statement, wrapping failures uniformly.
func execDDL(ctx context.Context, st *store.Store, stmt string) error {
	if _, err := st.DB.ExecContext(ctx, stmt); err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "execute DDL", err)
	}

	return nil
}

// jsonColumnType returns the dialect's JSON-ish column type: Postgres gets
// a native jsonb, SQLite (and the analytical-store-agnostic rest of this
// package) stores JSON as TEXT since modernc.org/sqlite carries no JSON
// type.
func jsonColumnType(st *store.Store) string {
	if st.Dialect == store.DialectPostgres {
		return "jsonb"
	}

	return "text"
}

func timestampColumnType(st *store.Store) string {
	if st.Dialect == store.DialectPostgres {
		return "timestamptz"
	}

	return "datetime"
}

// errTableMissing is the CanApply failure when a migration's prior table
// doesn't exist yet (spec §4.9 step 1: "predicates the migration depends
// on (prior table exists...)").
func errTableMissing(name string) error {
	return gwerr.New(gwerr.KindStoreMigration, "required table does not exist: "+name)
}

// execDDLErr wraps a raw *sql.DB error the same way execDDL does, for
// call sites (ShouldApply predicates, backfill queries) that run their own
// query instead of going through execDDL.
func execDDLErr(err error) error {
	if err == nil {
		return nil
	}

	return gwerr.Wrap(gwerr.KindStoreMigration, "migration query failed", err)
}
