// Package export produces downloadable CSV snapshots of the latest
// metric values. An export runs as an asynchronous job: callers start
// it, poll its status, and fetch the artifact from the object store
// once it succeeds. Jobs for the same target are serialized through
// the export lock scope so two exports never write the same artifact
// concurrently.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/lock"
	"github.com/c360/metricflow/storage"
)

// Status is an export job's observable state
type Status string

// Export job statuses
const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

// Job describes one export request
type Job struct {
	ID         string
	MetricName string
	TimeUnit   aggregate.TimeUnit
	CreatedAt  time.Time
}

// NewJob creates an export job for a metric and time unit
func NewJob(metricName string, unit aggregate.TimeUnit) Job {
	return Job{
		ID:         uuid.NewString(),
		MetricName: metricName,
		TimeUnit:   unit,
		CreatedAt:  time.Now().UTC(),
	}
}

// ValueReader supplies the latest metric values an export snapshots
type ValueReader interface {
	LatestMetricValues(ctx context.Context, name string, unit aggregate.TimeUnit) ([]aggregate.Value, error)
}

// Locker serializes exports for the same target
type Locker interface {
	WithLock(ctx context.Context, scope lock.Scope, key string, fn func(ctx context.Context) error) error
}

// Runner executes export jobs and tracks their status
type Runner struct {
	values    ValueReader
	artifacts storage.Store
	locks     Locker
	logger    *slog.Logger

	mu       sync.Mutex
	statuses map[string]Status
	messages map[string]string
}

// NewRunner wires an export runner
func NewRunner(values ValueReader, artifacts storage.Store, locks Locker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		values:    values,
		artifacts: artifacts,
		locks:     locks,
		logger:    logger,
		statuses:  make(map[string]Status),
		messages:  make(map[string]string),
	}
}

// Status returns the last observed status of a job and, for failed
// jobs, the failure message
func (r *Runner) Status(jobID string) (Status, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[jobID]
	return s, r.messages[jobID], ok
}

func (r *Runner) setStatus(jobID string, s Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[jobID] = s
	r.messages[jobID] = message
}

// Run executes one export job under the export lock. A concurrent
// export of the same metric and time unit is rejected with
// ErrAlreadyLocked.
func (r *Runner) Run(ctx context.Context, job Job) error {
	if job.MetricName == "" {
		return errors.WrapInvalid(nil, "ExportRunner", "Run", "metric name cannot be empty")
	}
	if !job.TimeUnit.Valid() {
		return errors.WrapInvalid(nil, "ExportRunner", "Run", "unknown time unit "+string(job.TimeUnit))
	}

	key := job.MetricName + "|" + string(job.TimeUnit)
	err := r.locks.WithLock(ctx, lock.ScopeExport, key, func(ctx context.Context) error {
		r.setStatus(job.ID, StatusInProgress, "")
		return r.write(ctx, job)
	})
	if err != nil {
		if !errors.Is(err, errors.ErrAlreadyLocked) {
			r.setStatus(job.ID, StatusFailed, err.Error())
		}
		return err
	}
	r.setStatus(job.ID, StatusSucceeded, "")
	return nil
}

// exportColumns is the header of an export artifact
var exportColumns = []string{
	"metricId", "groupId", "date", "timeUnit", "name",
	"executionId", "pipelineId", "createdAt",
	"groupValue", "subGroupsValue", "isLatest",
}

func (r *Runner) write(ctx context.Context, job Job) error {
	values, err := r.values.LatestMetricValues(ctx, job.MetricName, job.TimeUnit)
	if err != nil {
		return errors.Wrap(err, "ExportRunner", "Run", "read latest values")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportColumns); err != nil {
		return errors.Wrap(err, "ExportRunner", "Run", "write header")
	}
	for _, v := range values {
		rec := []string{
			v.MetricID,
			v.GroupID,
			v.Date.UTC().Format(time.RFC3339),
			string(v.TimeUnit),
			v.Name,
			v.ExecutionID,
			v.PipelineID,
			v.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatFloat(v.GroupValue, 'f', -1, 64),
			strconv.FormatFloat(v.SubGroupsValue, 'f', -1, 64),
			"true",
		}
		if err := w.Write(rec); err != nil {
			return errors.Wrap(err, "ExportRunner", "Run", "write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "ExportRunner", "Run", "flush rows")
	}

	key := storage.ExportKey(job.ID)
	if err := r.artifacts.Put(ctx, key, buf.Bytes()); err != nil {
		return errors.Wrap(err, "ExportRunner", "Run", "store artifact")
	}

	r.logger.Info("Export complete",
		"jobId", job.ID,
		"metric", job.MetricName,
		"timeUnit", job.TimeUnit,
		"rows", len(values),
		"key", key)
	return nil
}
