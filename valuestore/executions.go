package valuestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/executor"
)

var _ executor.Store = (*DB)(nil)

// SaveExecution inserts or updates an execution record. The full
// execution document is stored as JSON alongside the columns queries
// filter on.
func (d *DB) SaveExecution(ctx context.Context, exec *executor.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return errors.WrapInvalid(err, "ValueStore", "SaveExecution", "encode execution")
	}

	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO executions (id, pipeline_id, status, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		exec.ID, exec.PipelineID, string(exec.Status), string(doc), exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "SaveExecution", "write execution")
	}
	return nil
}

// GetExecution fetches an execution by id
func (d *DB) GetExecution(ctx context.Context, id string) (*executor.Execution, error) {
	var doc string
	err := d.sql.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrExecutionNotFound, "ValueStore", "GetExecution", "execution "+id)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "GetExecution", "read execution")
	}

	var exec executor.Execution
	if err := json.Unmarshal([]byte(doc), &exec); err != nil {
		return nil, errors.WrapFatal(err, "ValueStore", "GetExecution", "decode execution")
	}
	return &exec, nil
}

// ExecutionSummary is one row of an execution listing
type ExecutionSummary struct {
	ID         string
	PipelineID string
	Status     executor.Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListExecutions returns executions for a pipeline, newest first
func (d *DB) ListExecutions(ctx context.Context, pipelineID string) ([]ExecutionSummary, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, pipeline_id, status, created_at, updated_at
		FROM executions WHERE pipeline_id = ?
		ORDER BY created_at DESC`, pipelineID)
	if err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "ListExecutions", "query executions")
	}
	defer rows.Close()

	var out []ExecutionSummary
	for rows.Next() {
		var s ExecutionSummary
		var status string
		if err := rows.Scan(&s.ID, &s.PipelineID, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "ValueStore", "ListExecutions", "scan execution")
		}
		s.Status = executor.Status(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "ListExecutions", "iterate executions")
	}
	return out, nil
}
