package valuestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/errors"
)

var _ aggregate.ValueSource = (*DB)(nil)

// ActivityValue is one raw calculated output row for an entity
// attribute. IsError marks rows the calculation engine flagged; they
// stay in history but never become the latest value.
type ActivityValue struct {
	EntityID      string
	AttributeName string
	GroupID       string
	ObsDate       time.Time
	Value         float64
	IsError       bool
	ErrorMessage  string
	ExecutionID   string
	PipelineID    string
	CreatedAt     time.Time
}

// AppendActivityValue appends a versioned activity value and maintains
// the latest projection keyed by (entityId, attributeName) in the same
// transaction. Error rows are recorded but excluded from the
// projection; a non-error row still only replaces the latest when its
// created_at is >= the existing one.
func (d *DB) AppendActivityValue(ctx context.Context, v ActivityValue) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendActivityValue", "begin transaction")
	}
	defer tx.Rollback()

	isError := 0
	if v.IsError {
		isError = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activity_values
			(entity_id, attribute_name, group_id, obs_date, value, is_error, error_message, execution_id, pipeline_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.EntityID, v.AttributeName, v.GroupID, v.ObsDate.UTC(), v.Value,
		isError, v.ErrorMessage, v.ExecutionID, v.PipelineID, v.CreatedAt.UTC())
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendActivityValue", "insert versioned value")
	}

	if !v.IsError {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO activity_latest_values
				(entity_id, attribute_name, group_id, obs_date, value, execution_id, pipeline_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_id, attribute_name) DO UPDATE SET
				group_id = excluded.group_id,
				obs_date = excluded.obs_date,
				value = excluded.value,
				execution_id = excluded.execution_id,
				pipeline_id = excluded.pipeline_id,
				created_at = excluded.created_at
			WHERE excluded.created_at >= activity_latest_values.created_at`,
			v.EntityID, v.AttributeName, v.GroupID, v.ObsDate.UTC(), v.Value,
			v.ExecutionID, v.PipelineID, v.CreatedAt.UTC())
		if err != nil {
			return errors.WrapTransient(err, "ValueStore", "AppendActivityValue", "project latest value")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendActivityValue", "commit")
	}
	return nil
}

// LatestActivityValue reads the latest projection for an entity
// attribute
func (d *DB) LatestActivityValue(ctx context.Context, entityID, attributeName string) (ActivityValue, error) {
	var v ActivityValue
	err := d.sql.QueryRowContext(ctx, `
		SELECT entity_id, attribute_name, group_id, obs_date, value, execution_id, pipeline_id, created_at
		FROM activity_latest_values WHERE entity_id = ? AND attribute_name = ?`,
		entityID, attributeName).
		Scan(&v.EntityID, &v.AttributeName, &v.GroupID, &v.ObsDate, &v.Value,
			&v.ExecutionID, &v.PipelineID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return ActivityValue{}, errors.Wrap(errors.ErrKeyNotFound, "ValueStore", "LatestActivityValue", "entity "+entityID)
	}
	if err != nil {
		return ActivityValue{}, errors.WrapTransient(err, "ValueStore", "LatestActivityValue", "read latest value")
	}
	return v, nil
}

// ContributionWindow reports which groups an execution wrote non-error
// values for under an attribute, plus the observation-date range those
// values span. Used to decide which aggregation passes an execution
// triggers. ok is false when the execution contributed nothing.
func (d *DB) ContributionWindow(ctx context.Context, attributeName, executionID string) (paths []string, minDate, maxDate time.Time, ok bool, err error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM activity_values
		WHERE attribute_name = ? AND execution_id = ? AND is_error = 0
		ORDER BY group_id`, attributeName, executionID)
	if err != nil {
		return nil, time.Time{}, time.Time{}, false, errors.WrapTransient(err, "ValueStore", "ContributionWindow", "query groups")
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, time.Time{}, time.Time{}, false, errors.Wrap(err, "ValueStore", "ContributionWindow", "scan group")
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, time.Time{}, false, errors.WrapTransient(err, "ValueStore", "ContributionWindow", "iterate groups")
	}
	if len(paths) == 0 {
		return nil, time.Time{}, time.Time{}, false, nil
	}

	err = d.sql.QueryRowContext(ctx, `
		SELECT MIN(obs_date), MAX(obs_date) FROM activity_values
		WHERE attribute_name = ? AND execution_id = ? AND is_error = 0`,
		attributeName, executionID).Scan(&minDate, &maxDate)
	if err != nil {
		return nil, time.Time{}, time.Time{}, false, errors.WrapTransient(err, "ValueStore", "ContributionWindow", "query date range")
	}
	return paths, minDate, maxDate, true, nil
}

// GroupContribution aggregates the latest activity values for a group
// within a time bucket. ok is false when the group has no non-error
// contributions in the bucket.
func (d *DB) GroupContribution(ctx context.Context, metricName, groupPath string, start, end time.Time, at aggregate.AggregationType) (float64, bool, error) {
	var fn string
	switch at {
	case aggregate.AggSum:
		fn = "SUM(value)"
	case aggregate.AggMin:
		fn = "MIN(value)"
	case aggregate.AggMax:
		fn = "MAX(value)"
	case aggregate.AggCount:
		fn = "COUNT(value)"
	case aggregate.AggMean:
		fn = "AVG(value)"
	default:
		return 0, false, errors.WrapInvalid(nil, "ValueStore", "GroupContribution", "unknown aggregation type "+string(at))
	}

	var value sql.NullFloat64
	var n int
	err := d.sql.QueryRowContext(ctx, `
		SELECT `+fn+`, COUNT(*)
		FROM activity_latest_values
		WHERE group_id = ? AND attribute_name = ? AND obs_date >= ? AND obs_date < ?`,
		groupPath, metricName, start.UTC(), end.UTC()).Scan(&value, &n)
	if err != nil {
		return 0, false, errors.WrapTransient(err, "ValueStore", "GroupContribution", "aggregate group values")
	}
	if n == 0 || !value.Valid {
		return 0, false, nil
	}
	return value.Float64, true, nil
}
