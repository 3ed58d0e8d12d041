package migrate

import (
	"context"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/store"
)

// ledgerTable is the migration-ledger table spec §6 calls out ("plus
// migration-ledger table") and §9's migration record shape
// `{version:int, applied_at, success:bool}` backs.
const ledgerTable = "schema_migrations"

// recordLedger appends one migration record {version, applied_at, success}
// (spec §3 "Migration record") to the ledger table. The ledger table is
// itself created by migration0000, which runs first by construction
// (Version 0), so by the time any migration calls recordLedger the table
// already exists.
func recordLedger(ctx context.Context, st *store.Store, version int, name string, success bool) error {
	query := "INSERT INTO " + ledgerTable + " (version, name, applied_at, success) VALUES (" +
		st.Bind(1) + "," + st.Bind(2) + "," + st.Bind(3) + "," + st.Bind(4) + ")"

	_, err := st.DB.ExecContext(ctx, query, version, name, time.Now().UTC(), success)

	return execDDLErr(err)
}

// DefaultMigrations returns every migration in the order a fresh gateway
// applies them, ready to hand to Manager.Register in a loop (or
// individually, since Manager sorts by Version anyway).
func DefaultMigrations() []Migration {
	return []Migration{
		migration0000{},
		migration0001AddModelInferenceColumns{},
		migration0002BackfillChatInferenceTags{},
	}
}

// migration0000 creates the closed analytical-store table set spec §6/§8
// scenario 6 names, plus the migration ledger itself.
type migration0000 struct{}

func (migration0000) Version() int { return 0 }
func (migration0000) Name() string { return "0000_initial_schema" }

func (migration0000) CanApply(context.Context, *store.Store) error { return nil }

func (m migration0000) ShouldApply(ctx context.Context, st *store.Store) (bool, error) {
	exists, err := tableExists(ctx, st, "chat_inference")
	if err != nil {
		return false, err
	}

	return !exists, nil
}

func (m migration0000) Apply(ctx context.Context, st *store.Store, _ bool) error {
	j := jsonColumnType(st)
	ts := timestampColumnType(st)

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + ledgerTable + " (" +
			"version integer not null, name text not null, applied_at " + ts + " not null, success boolean not null)",

		"CREATE TABLE IF NOT EXISTS chat_inference (" +
			"id text primary key, function_name text not null, variant_name text not null, episode_id text not null, " +
			"input " + j + " not null, output " + j + " not null, tool_params " + j + ", tags " + j + ", " +
			"processing_time_ms bigint, timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS json_inference (" +
			"id text primary key, function_name text not null, variant_name text not null, episode_id text not null, " +
			"input " + j + " not null, output " + j + " not null, tool_params " + j + ", tags " + j + ", " +
			"processing_time_ms bigint, timestamp " + ts + " not null)",

		// system/input_messages/output are added by migration 0001 (spec §8
		// scenario 6 calls these out as migration-added columns).
		"CREATE TABLE IF NOT EXISTS model_inference (" +
			"id text primary key, inference_id text not null, raw_request text, raw_response text, " +
			"input_tokens bigint, output_tokens bigint, response_time_ms bigint, ttft_ms bigint, cached boolean, " +
			"model_name text not null, model_provider_name text not null, finish_reason text, timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS boolean_metric_feedback (" +
			"id text primary key, target_id text not null, target_type text not null, metric_name text not null, " +
			"value boolean not null, tags " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS float_metric_feedback (" +
			"id text primary key, target_id text not null, target_type text not null, metric_name text not null, " +
			"value double precision not null, tags " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS comment_feedback (" +
			"id text primary key, target_id text not null, target_type text not null, metric_name text not null, " +
			"value text not null, tags " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS demonstration_feedback (" +
			"id text primary key, target_id text not null, target_type text not null, metric_name text not null, " +
			"value " + j + " not null, tags " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS static_evaluation_human_feedback (" +
			"id text primary key, feedback_id text not null, datapoint_id text not null, metric_name text not null, " +
			"timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS model_inference_cache (" +
			"short_cache_key bigint not null, long_cache_key text primary key, output " + j + " not null, " +
			"raw_request text, raw_response text, timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS batch_request (" +
			"batch_id text primary key, status text not null, model_name text not null, " +
			"model_provider_name text not null, errors " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS batch_model_inference (" +
			"inference_id text primary key, batch_id text not null, function_name text not null, " +
			"variant_name text not null, function_type text not null, " +
			"input " + j + " not null, params " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS batch_id_by_inference_id (" +
			"inference_id text primary key, batch_id text not null)",

		"CREATE TABLE IF NOT EXISTS dynamic_evaluation_run (" +
			"run_id text primary key, variant_pins " + j + ", tags " + j + ", timestamp " + ts + " not null)",

		"CREATE TABLE IF NOT EXISTS dynamic_evaluation_run_episode (" +
			"episode_id text primary key, run_id text not null, timestamp " + ts + " not null)",
	}

	for _, stmt := range stmts {
		if err := execDDL(ctx, st, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (m migration0000) HasSucceeded(ctx context.Context, st *store.Store) (bool, error) {
	should, err := m.ShouldApply(ctx, st)
	if err != nil {
		return false, err
	}

	return !should, nil
}

func (migration0000) RollbackInstructions() string {
	return "drop the analytical-store tables created by this migration; there is no automatic rollback"
}

// migration0001AddModelInferenceColumns adds the system/input_messages/
// output columns to ModelInference (spec §8 scenario 6), additively and
// idempotently per spec §4.9 ("evolution is additive: add column with IF
// NOT EXISTS, default-null").
type migration0001AddModelInferenceColumns struct{}

func (migration0001AddModelInferenceColumns) Version() int { return 1 }
func (migration0001AddModelInferenceColumns) Name() string {
	return "0001_model_inference_request_columns"
}

func (migration0001AddModelInferenceColumns) CanApply(ctx context.Context, st *store.Store) error {
	exists, err := tableExists(ctx, st, "model_inference")
	if err != nil {
		return err
	}

	if !exists {
		return errTableMissing("model_inference")
	}

	return nil
}

func (m migration0001AddModelInferenceColumns) ShouldApply(ctx context.Context, st *store.Store) (bool, error) {
	has, err := columnExists(ctx, st, "model_inference", "output")
	if err != nil {
		return false, err
	}

	return !has, nil
}

func (m migration0001AddModelInferenceColumns) Apply(ctx context.Context, st *store.Store, _ bool) error {
	j := jsonColumnType(st)

	for _, col := range []struct{ name, typ string }{
		{"system", "text"},
		{"input_messages", j},
		{"output", j},
	} {
		has, err := columnExists(ctx, st, "model_inference", col.name)
		if err != nil {
			return err
		}

		if has {
			continue
		}

		if err := execDDL(ctx, st, "ALTER TABLE model_inference ADD COLUMN "+col.name+" "+col.typ); err != nil {
			return err
		}
	}

	return nil
}

func (m migration0001AddModelInferenceColumns) HasSucceeded(ctx context.Context, st *store.Store) (bool, error) {
	should, err := m.ShouldApply(ctx, st)
	if err != nil {
		return false, err
	}

	return !should, nil
}

func (migration0001AddModelInferenceColumns) RollbackInstructions() string {
	return "drop columns system, input_messages, output from model_inference (irreversible once backfilled)"
}

// migration0002BackfillChatInferenceTags demonstrates the two-phase
// rollout pattern (spec §4.9/§9, original_source migration_0000.rs): it
// ensures every pre-existing chat_inference row has a non-null tags value
// without ever rewriting a row twice or losing a concurrently-inserted one.
type migration0002BackfillChatInferenceTags struct{}

func (migration0002BackfillChatInferenceTags) Version() int { return 2 }
func (migration0002BackfillChatInferenceTags) Name() string {
	return "0002_backfill_chat_inference_tags"
}

func (migration0002BackfillChatInferenceTags) CanApply(ctx context.Context, st *store.Store) error {
	exists, err := tableExists(ctx, st, "chat_inference")
	if err != nil {
		return err
	}

	if !exists {
		return errTableMissing("chat_inference")
	}

	return nil
}

func (migration0002BackfillChatInferenceTags) ShouldApply(ctx context.Context, st *store.Store) (bool, error) {
	var count int

	err := st.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_inference WHERE tags IS NULL").Scan(&count)
	if err != nil {
		return false, execDDLErr(err)
	}

	return count > 0, nil
}

func (m migration0002BackfillChatInferenceTags) Apply(ctx context.Context, st *store.Store, cleanStart bool) error {
	if cleanStart {
		return nil
	}

	return Rollout(ctx, st, RolloutConfig{
		Delta: 2 * time.Second,
		Backfill: func(ctx context.Context, cutoff time.Time) error {
			_, err := st.DB.ExecContext(ctx,
				"UPDATE chat_inference SET tags = '{}' WHERE tags IS NULL AND timestamp < "+st.Bind(1), cutoff)

			return execDDLErr(err)
		},
	})
}

func (m migration0002BackfillChatInferenceTags) HasSucceeded(ctx context.Context, st *store.Store) (bool, error) {
	should, err := m.ShouldApply(ctx, st)
	if err != nil {
		return false, err
	}

	return !should, nil
}

func (migration0002BackfillChatInferenceTags) RollbackInstructions() string {
	return "no rollback needed: backfilled tags default to an empty object, which is a valid value going forward"
}
