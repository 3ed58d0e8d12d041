// Package migrate implements the schema-migration manager from spec §4.9
// (component I): ordered, idempotent DDL migrations with a can_apply/
// should_apply/apply/has_succeeded contract, run in strict ascending
// version order at startup.
//
// Grounded on the teacher's internal/ent/migrate/datamigrate.Migrator
// shape (a struct holding an ordered slice of migrations, a Register
// method, and a Run loop that logs each step via internal/log) but with
// a richer per-migration contract than the teacher's version-string
// gate, generalized from original_source/gateway/src/clickhouse_migration_manager/
// migrations/migration_0000.rs's can_apply/should_apply/apply/
// has_succeeded/rollback_instructions shape (see DESIGN.md).
package migrate

import (
	"context"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// Migration is one ordered, idempotent schema change (spec §4.9).
type Migration interface {
	// Version orders migrations; strictly ascending, gaps allowed.
	Version() int

	// Name is a short human-readable identifier for logging.
	Name() string

	// CanApply checks migration-specific preconditions (prior table
	// exists, engine supports a feature). A non-nil error aborts startup.
	CanApply(ctx context.Context, st *store.Store) error

	// ShouldApply inspects the current schema to decide idempotently
	// whether this migration's DDL still needs to run.
	ShouldApply(ctx context.Context, st *store.Store) (bool, error)

	// Apply runs the migration's DDL. cleanStart is true when applying
	// against a store with no prior data (skips the two-phase rollout
	// backfill since there is nothing to backfill).
	Apply(ctx context.Context, st *store.Store, cleanStart bool) error

	// HasSucceeded re-checks (typically ShouldApply negated) after Apply
	// to confirm the migration actually took effect.
	HasSucceeded(ctx context.Context, st *store.Store) (bool, error)

	// RollbackInstructions is operator-facing prose; migrations are
	// forward-only, so rollback is manual.
	RollbackInstructions() string
}

// Manager runs a set of Migrations in strict ascending version order.
type Manager struct {
	store      *store.Store
	migrations []Migration
}

// NewManager builds a Manager over st with no migrations registered.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Register adds a migration. Migrations may be registered in any order;
// Run sorts by Version before executing.
func (m *Manager) Register(mig Migration) *Manager {
	m.migrations = append(m.migrations, mig)

	return m
}

// Run executes every registered migration in ascending Version order
// (spec §4.9 steps 1-4). cleanStart signals an empty store (spec §8
// scenario 6: "against an empty store, apply migrations 0000..N").
func (m *Manager) Run(ctx context.Context, cleanStart bool) error {
	ordered := append([]Migration(nil), m.migrations...)
	sortByVersion(ordered)

	for _, mig := range ordered {
		if err := m.runOne(ctx, mig, cleanStart); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) runOne(ctx context.Context, mig Migration, cleanStart bool) error {
	if err := mig.CanApply(ctx, m.store); err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "migration "+mig.Name()+" cannot apply", err)
	}

	should, err := mig.ShouldApply(ctx, m.store)
	if err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "migration "+mig.Name()+" should_apply check failed", err)
	}

	if !should {
		log.Info(ctx, "migrate: skipping, already applied", log.Int("version", mig.Version()), log.String("name", mig.Name()))

		return nil
	}

	log.Info(ctx, "migrate: applying", log.Int("version", mig.Version()), log.String("name", mig.Name()))

	if err := mig.Apply(ctx, m.store, cleanStart); err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "migration "+mig.Name()+" apply failed", err)
	}

	succeeded, err := mig.HasSucceeded(ctx, m.store)
	if err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "migration "+mig.Name()+" has_succeeded check failed", err)
	}

	if !succeeded {
		return gwerr.New(gwerr.KindStoreMigration, "migration "+mig.Name()+" did not take effect after apply").
			WithField("version", mig.Version())
	}

	if err := recordLedger(ctx, m.store, mig.Version(), mig.Name(), true); err != nil {
		log.Warn(ctx, "migrate: failed to record ledger row", log.Cause(err))
	}

	log.Info(ctx, "migrate: applied", log.Int("version", mig.Version()), log.String("name", mig.Name()))

	return nil
}

func sortByVersion(migrations []Migration) {
	for i := 1; i < len(migrations); i++ {
		for j := i; j > 0 && migrations[j].Version() < migrations[j-1].Version(); j-- {
			migrations[j], migrations[j-1] = migrations[j-1], migrations[j]
		}
	}
}
