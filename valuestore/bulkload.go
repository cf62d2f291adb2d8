package valuestore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/c360/metricflow/errors"
)

// bulkColumns is the required header of a metrics bulk-load CSV, in
// exact order
var bulkColumns = []string{
	"metricId", "groupId", "date", "timeUnit", "name",
	"executionId", "pipelineId", "createdAt",
	"groupValue", "subGroupsValue", "isLatest",
}

// LoadMetricsCSV bulk-loads metric values from a CSV with the column
// order metricId,groupId,date,timeUnit,name,executionId,pipelineId,
// createdAt,groupValue,subGroupsValue,isLatest. Rows land in the
// staging table first and are then merged into the versioned and
// latest tables with set-based statements, all in one transaction.
// Returns the number of rows loaded.
func (d *DB) LoadMetricsCSV(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(bulkColumns)

	header, err := cr.Read()
	if err != nil {
		return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV", "read header")
	}
	for i, want := range bulkColumns {
		if header[i] != want {
			return 0, errors.WrapInvalid(nil, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("column %d must be %q, got %q", i, want, header[i]))
		}
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_staging`); err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "clear staging")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_staging
			(metric_id, group_id, date, time_unit, name, execution_id, pipeline_id, created_at, group_value, sub_groups_value, is_latest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "prepare staging insert")
	}
	defer stmt.Close()

	loaded := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("read row %d", loaded+1))
		}

		date, err := time.Parse(time.RFC3339, rec[2])
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("row %d: parse date", loaded+1))
		}
		createdAt, err := time.Parse(time.RFC3339, rec[7])
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("row %d: parse createdAt", loaded+1))
		}
		groupValue, err := strconv.ParseFloat(rec[8], 64)
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("row %d: parse groupValue", loaded+1))
		}
		subGroupsValue, err := strconv.ParseFloat(rec[9], 64)
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("row %d: parse subGroupsValue", loaded+1))
		}
		isLatest, err := strconv.ParseBool(rec[10])
		if err != nil {
			return 0, errors.WrapInvalid(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("row %d: parse isLatest", loaded+1))
		}

		latest := 0
		if isLatest {
			latest = 1
		}
		if _, err := stmt.ExecContext(ctx, rec[0], rec[1], date.UTC(), rec[3], rec[4],
			rec[5], rec[6], createdAt.UTC(), groupValue, subGroupsValue, latest); err != nil {
			return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV",
				fmt.Sprintf("stage row %d", loaded+1))
		}
		loaded++
	}

	// Set-based merge: register metrics, append history, then project
	// the rows flagged latest, keyed on (groupId, date, name, timeUnit).
	_, err = tx.ExecContext(ctx, `
		INSERT INTO metrics (id, name, group_id, date, time_unit, aggregation_type)
		SELECT s.metric_id, s.name, s.group_id, s.date, s.time_unit, 'sum'
		FROM metric_staging s
		WHERE true
		ON CONFLICT (name, group_id, date, time_unit) DO NOTHING`)
	if err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "merge metrics")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_values
			(metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value)
		SELECT s.metric_id, s.name, s.group_id, s.date, s.time_unit, s.execution_id, s.pipeline_id, s.created_at, s.group_value, s.sub_groups_value
		FROM metric_staging s`)
	if err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "merge versioned values")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_latest_values
			(metric_id, name, group_id, date, time_unit, execution_id, pipeline_id, created_at, group_value, sub_groups_value)
		SELECT s.metric_id, s.name, s.group_id, s.date, s.time_unit, s.execution_id, s.pipeline_id, s.created_at, s.group_value, s.sub_groups_value
		FROM metric_staging s
		WHERE s.is_latest = 1
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
		WHERE excluded.created_at >= metric_latest_values.created_at`)
	if err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "merge latest values")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM metric_staging`); err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "drain staging")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.WrapTransient(err, "ValueStore", "LoadMetricsCSV", "commit")
	}

	d.logger.Info("Metrics bulk load complete", "rows", loaded)
	return loaded, nil
}
