package valuestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/errors"
)

var _ aggregate.Store = (*DB)(nil)

// ResolveMetricID returns the stable id of the metric identified by
// (name, groupID, date, timeUnit), registering it on first use.
func (d *DB) ResolveMetricID(ctx context.Context, name, groupID string, date time.Time, unit aggregate.TimeUnit, at aggregate.AggregationType) (string, error) {
	var id string
	err := d.sql.QueryRowContext(ctx, `
		SELECT id FROM metrics WHERE name = ? AND group_id = ? AND date = ? AND time_unit = ?`,
		name, groupID, date.UTC(), string(unit)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.WrapTransient(err, "ValueStore", "ResolveMetricID", "look up metric")
	}

	id = uuid.NewString()
	_, err = d.sql.ExecContext(ctx, `
		INSERT INTO metrics (id, name, group_id, date, time_unit, aggregation_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, group_id, date, time_unit) DO NOTHING`,
		id, name, groupID, date.UTC(), string(unit), string(at))
	if err != nil {
		return "", errors.WrapTransient(err, "ValueStore", "ResolveMetricID", "register metric")
	}

	// A concurrent writer may have won the insert; read back the
	// surviving row either way.
	err = d.sql.QueryRowContext(ctx, `
		SELECT id FROM metrics WHERE name = ? AND group_id = ? AND date = ? AND time_unit = ?`,
		name, groupID, date.UTC(), string(unit)).Scan(&id)
	if err != nil {
		return "", errors.WrapTransient(err, "ValueStore", "ResolveMetricID", "read back metric")
	}
	return id, nil
}

// AppendValue appends a versioned metric value and maintains the latest
// projection in the same transaction. The latest row is replaced only
// when the incoming created_at is >= the existing one.
func (d *DB) AppendValue(ctx context.Context, v aggregate.Value) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendValue", "begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_values
			(metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.MetricID, v.Name, v.GroupID, v.Date.UTC(), string(v.TimeUnit),
		v.ExecutionID, v.PipelineID, v.CreatedAt.UTC(), v.GroupValue, v.SubGroupsValue)
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendValue", "insert versioned value")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_latest_values
			(metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_id) DO UPDATE SET
			name = excluded.name,
			group_id = excluded.group_id,
			date = excluded.date,
			time_unit = excluded.time_unit,
			execution_id = excluded.execution_id,
			pipeline_id = excluded.pipeline_id,
			created_at = excluded.created_at,
			group_value = excluded.group_value,
			sub_groups_value = excluded.sub_groups_value
		WHERE excluded.created_at >= metric_latest_values.created_at`,
		v.MetricID, v.Name, v.GroupID, v.Date.UTC(), string(v.TimeUnit),
		v.ExecutionID, v.PipelineID, v.CreatedAt.UTC(), v.GroupValue, v.SubGroupsValue)
	if err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendValue", "project latest value")
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "ValueStore", "AppendValue", "commit")
	}
	return nil
}

// LatestMetricValue reads the latest projection for a metric id
func (d *DB) LatestMetricValue(ctx context.Context, metricID string) (aggregate.Value, error) {
	var v aggregate.Value
	var unit string
	err := d.sql.QueryRowContext(ctx, `
		SELECT metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value
		FROM metric_latest_values WHERE metric_id = ?`, metricID).
		Scan(&v.MetricID, &v.Name, &v.GroupID, &v.Date, &unit,
			&v.ExecutionID, &v.PipelineID, &v.CreatedAt, &v.GroupValue, &v.SubGroupsValue)
	if err == sql.ErrNoRows {
		return aggregate.Value{}, errors.Wrap(errors.ErrKeyNotFound, "ValueStore", "LatestMetricValue", "metric "+metricID)
	}
	if err != nil {
		return aggregate.Value{}, errors.WrapTransient(err, "ValueStore", "LatestMetricValue", "read latest value")
	}
	v.TimeUnit = aggregate.TimeUnit(unit)
	return v, nil
}

// LatestMetricValues reads the latest projection for every group under
// a metric name and time unit, ordered by group then date. Used by
// exports.
func (d *DB) LatestMetricValues(ctx context.Context, name string, unit aggregate.TimeUnit) ([]aggregate.Value, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value
		FROM metric_latest_values WHERE name = ? AND time_unit = ?
		ORDER BY group_id, date`, name, string(unit))
	if err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "LatestMetricValues", "query latest values")
	}
	defer rows.Close()

	var out []aggregate.Value
	for rows.Next() {
		var v aggregate.Value
		var u string
		if err := rows.Scan(&v.MetricID, &v.Name, &v.GroupID, &v.Date, &u,
			&v.ExecutionID, &v.PipelineID, &v.CreatedAt, &v.GroupValue, &v.SubGroupsValue); err != nil {
			return nil, errors.Wrap(err, "ValueStore", "LatestMetricValues", "scan latest value")
		}
		v.TimeUnit = aggregate.TimeUnit(u)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "LatestMetricValues", "iterate latest values")
	}
	return out, nil
}

// MetricValueHistory returns every versioned row for a metric id in
// insertion order
func (d *DB) MetricValueHistory(ctx context.Context, metricID string) ([]aggregate.Value, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value
		FROM metric_values WHERE metric_id = ? ORDER BY id`, metricID)
	if err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "MetricValueHistory", "query history")
	}
	defer rows.Close()

	var out []aggregate.Value
	for rows.Next() {
		var v aggregate.Value
		var u string
		if err := rows.Scan(&v.MetricID, &v.Name, &v.GroupID, &v.Date, &u,
			&v.ExecutionID, &v.PipelineID, &v.CreatedAt, &v.GroupValue, &v.SubGroupsValue); err != nil {
			return nil, errors.Wrap(err, "ValueStore", "MetricValueHistory", "scan row")
		}
		v.TimeUnit = aggregate.TimeUnit(u)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "ValueStore", "MetricValueHistory", "iterate history")
	}
	return out, nil
}
