// Package impacts derives activity value records from a completed
// execution's merged calculation output. Output rows are loaded in
// bounded pages so a single invocation never exceeds its capacity; the
// coordinator loops back while more rows remain.
package impacts

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/executor"
	"github.com/c360/metricflow/storage"
	"github.com/c360/metricflow/valuestore"
)

// activityColumns is the required header of an activity-pipeline
// output artifact, in exact order
var activityColumns = []string{"entityId", "attributeName", "groupId", "date", "value"}

// ValueWriter persists derived activity values
type ValueWriter interface {
	AppendActivityValue(ctx context.Context, v valuestore.ActivityValue) error
}

// Creator loads activity values from merged execution output
type Creator struct {
	artifacts storage.Store
	values    ValueWriter
	pageSize  int
	logger    *slog.Logger
	now       func() time.Time
}

// DefaultPageSize bounds rows processed per invocation
const DefaultPageSize = 1000

// NewCreator wires an impact creator
func NewCreator(artifacts storage.Store, values ValueWriter, pageSize int, logger *slog.Logger) *Creator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		artifacts: artifacts,
		values:    values,
		pageSize:  pageSize,
		logger:    logger,
		now:       time.Now,
	}
}

var _ executor.ImpactCreator = (*Creator)(nil)

// CreateImpacts processes one page of the execution's merged output.
// Each invocation re-reads the artifact and skips to its page, so a
// re-run after a crash repeats the same page instead of losing or
// duplicating rows: appends land in versioned history and the latest
// projection is conditional on created_at, which makes the page write
// idempotent at the projection level.
func (c *Creator) CreateImpacts(ctx context.Context, exec *executor.Execution, iteration int) (bool, error) {
	if iteration < 0 {
		return false, errors.WrapInvalid(nil, "ImpactCreator", "CreateImpacts", "negative iteration")
	}

	data, err := c.artifacts.Get(ctx, storage.ResultKey(exec.PipelineID, exec.ID))
	if err != nil {
		return false, errors.Wrap(err, "ImpactCreator", "CreateImpacts", "read merged output")
	}

	rows, err := parseActivityRows(data)
	if err != nil {
		return false, err
	}

	start := iteration * c.pageSize
	if start >= len(rows) {
		return false, nil
	}
	end := start + c.pageSize
	if end > len(rows) {
		end = len(rows)
	}

	createdAt := c.now().UTC()
	for _, row := range rows[start:end] {
		row.ExecutionID = exec.ID
		row.PipelineID = exec.PipelineID
		row.CreatedAt = createdAt
		if err := c.values.AppendActivityValue(ctx, row); err != nil {
			return false, errors.Wrap(err, "ImpactCreator", "CreateImpacts", "append activity value")
		}
	}

	c.logger.Debug("Impact page complete",
		"executionId", exec.ID,
		"iteration", iteration,
		"rows", end-start,
		"remaining", len(rows)-end)
	return end < len(rows), nil
}

func parseActivityRows(data []byte) ([]valuestore.ActivityValue, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = len(activityColumns)

	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.WrapInvalid(err, "ImpactCreator", "CreateImpacts", "parse output rows")
	}
	if len(records) == 0 {
		return nil, nil
	}
	for i, want := range activityColumns {
		if records[0][i] != want {
			return nil, errors.WrapInvalid(nil, "ImpactCreator", "CreateImpacts",
				fmt.Sprintf("column %d must be %q, got %q", i, want, records[0][i]))
		}
	}

	rows := make([]valuestore.ActivityValue, 0, len(records)-1)
	for i, rec := range records[1:] {
		date, err := time.Parse(time.RFC3339, rec[3])
		if err != nil {
			return nil, errors.WrapInvalid(err, "ImpactCreator", "CreateImpacts",
				fmt.Sprintf("row %d: parse date", i+1))
		}

		row := valuestore.ActivityValue{
			EntityID:      rec[0],
			AttributeName: rec[1],
			GroupID:       rec[2],
			ObsDate:       date.UTC(),
		}

		// A non-numeric value is an engine-flagged row error: keep it
		// in history but never in the latest projection.
		value, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			row.IsError = true
			row.ErrorMessage = fmt.Sprintf("invalid value %q", rec[4])
		} else {
			row.Value = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}
