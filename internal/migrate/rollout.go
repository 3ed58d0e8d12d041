package migrate

import (
	"context"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/log"
	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// RolloutConfig parameterizes Rollout (spec §4.9/§9: two-phase migration
// rollout for large backfills). Backfill receives the computed cutoff
// timestamp and must only touch rows with a timestamp strictly before it.
type RolloutConfig struct {
	// Delta must exceed clock skew between the gateway and the store
	// (spec §9: "The δ offset must exceed clock skew between gateway and
	// store"). internal/idgen.ClockSkewAllowance is the gateway's own
	// notion of that skew; callers should set Delta comfortably above it.
	Delta time.Duration

	// Backfill rewrites rows with timestamp < cutoff. It must be safe to
	// run more than once (Rollout itself is called from an idempotent
	// Migration.Apply, but Backfill is also handed the cutoff so a caller
	// wanting extra caution can re-derive it deterministically).
	Backfill func(ctx context.Context, cutoff time.Time) error
}

// Rollout implements the δ-offset pattern from
// original_source/gateway/src/clickhouse_migration_manager/migrations/
// migration_0000.rs, generalized to any store.Store (ClickHouse's native
// incremental materialized view has no Postgres/SQLite equivalent, so this
// captures the cutoff by wall clock instead of a view definition): observe
// now, sleep past the clock-skew window, then backfill only rows
// older than the observed cutoff. Because new rows keep landing with
// timestamps ≥ the pre-sleep "now", nothing written during the sleep is
// skipped, and nothing is backfilled twice (a second run's cutoff only
// ever moves forward, and Backfill is scoped to timestamp < cutoff).
func Rollout(ctx context.Context, st *store.Store, cfg RolloutConfig) error {
	if cfg.Delta <= 0 {
		return gwerr.New(gwerr.KindStoreMigration, "rollout delta must be positive")
	}

	cutoff := time.Now().UTC()

	log.Info(ctx, "migrate: rollout observed cutoff, sleeping past clock skew window",
		log.Time("cutoff", cutoff), log.Duration("delta", cfg.Delta))

	select {
	case <-time.After(cfg.Delta):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := cfg.Backfill(ctx, cutoff); err != nil {
		return gwerr.Wrap(gwerr.KindStoreMigration, "rollout backfill failed", err)
	}

	return nil
}
