package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
)

// GetBatchRequest reads one BatchRequest row by batch id (internal/batch's
// poll path, spec §4.10: "map (batch_id | inference_id) → provider job").
func (s *Store) GetBatchRequest(ctx context.Context, batchID string) (*BatchRequestRow, error) {
	query := "SELECT batch_id, status, model_name, model_provider_name, errors, timestamp" +
		" FROM batch_request WHERE batch_id = " + s.bind(1)

	var row BatchRequestRow

	var errs sql.NullString

	err := s.DB.QueryRowContext(ctx, query, batchID).Scan(
		&row.BatchID, &row.Status, &row.ModelName, &row.ModelProviderName, &errs, &row.Timestamp,
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "get batch request", err)
	}

	if errs.Valid {
		row.Errors = json.RawMessage(errs.String)
	}

	return &row, nil
}

// ListPendingBatchRequests returns every BatchRequest still awaiting a
// terminal status, the poll loop's work list.
func (s *Store) ListPendingBatchRequests(ctx context.Context) ([]BatchRequestRow, error) {
	query := "SELECT batch_id, status, model_name, model_provider_name, errors, timestamp" +
		" FROM batch_request WHERE status = " + s.bind(1)

	rows, err := s.DB.QueryContext(ctx, query, "pending")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "list pending batch requests", err)
	}
	defer rows.Close()

	var out []BatchRequestRow

	for rows.Next() {
		var row BatchRequestRow

		var errs sql.NullString

		if err := rows.Scan(&row.BatchID, &row.Status, &row.ModelName, &row.ModelProviderName, &errs, &row.Timestamp); err != nil {
			return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "scan batch request", err)
		}

		if errs.Valid {
			row.Errors = json.RawMessage(errs.String)
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "iterate batch requests", err)
	}

	return out, nil
}

// ListBatchModelInferences returns every BatchModelInference row for a
// batch, in submission order (the provider-native batch job preserves the
// same order spec §4.10's "download outputs" step relies on).
func (s *Store) ListBatchModelInferences(ctx context.Context, batchID string) ([]BatchModelInferenceRow, error) {
	query := "SELECT inference_id, batch_id, function_name, variant_name, function_type, input, params, timestamp" +
		" FROM batch_model_inference WHERE batch_id = " + s.bind(1) + " ORDER BY inference_id"

	rows, err := s.DB.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "list batch model inferences", err)
	}
	defer rows.Close()

	var out []BatchModelInferenceRow

	for rows.Next() {
		var row BatchModelInferenceRow

		var input, params string

		if err := rows.Scan(&row.InferenceID, &row.BatchID, &row.FunctionName, &row.VariantName,
			&row.FunctionType, &input, &params, &row.Timestamp); err != nil {
			return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "scan batch model inference", err)
		}

		row.Input = json.RawMessage(input)
		row.Params = json.RawMessage(params)
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, gwerr.Wrap(gwerr.KindStoreDeserialization, "iterate batch model inferences", err)
	}

	return out, nil
}

// GetBatchIDByInferenceID resolves the batch a given inference was
// submitted under (spec §6 GET /batch_inference/{batch_id}/inference/{inference_id}).
func (s *Store) GetBatchIDByInferenceID(ctx context.Context, inferenceID string) (string, error) {
	query := "SELECT batch_id FROM batch_id_by_inference_id WHERE inference_id = " + s.bind(1)

	var batchID string
	if err := s.DB.QueryRowContext(ctx, query, inferenceID).Scan(&batchID); err != nil {
		return "", gwerr.Wrap(gwerr.KindStoreDeserialization, "get batch id by inference id", err)
	}

	return batchID, nil
}
