// Package aggregate recomputes hierarchically rolled-up metric values.
//
// An aggregation pass builds a group hierarchy from the paths that
// contributed data, computes each group's own contribution from raw
// activity outputs at the leaves, and derives every higher level purely
// from its already-computed children, with no re-scanning of raw data
// above the leaves. A parent's total is always its own groupValue plus the
// sum of (groupValue + subGroupsValue) over its direct children.
//
// The whole pass for a (metric, timeUnit, rootGroup) target runs under
// a distributed lock so two concurrent executions cannot interleave
// partial sums.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/hierarchy"
	"github.com/c360/metricflow/lock"
)

// AggregationType is how a group's own contribution is computed from
// its raw activity outputs.
type AggregationType string

// Supported aggregation types
const (
	AggSum   AggregationType = "sum"
	AggMin   AggregationType = "min"
	AggMax   AggregationType = "max"
	AggCount AggregationType = "count"
	AggMean  AggregationType = "mean"
)

// Valid reports whether the aggregation type is supported
func (a AggregationType) Valid() bool {
	switch a {
	case AggSum, AggMin, AggMax, AggCount, AggMean:
		return true
	}
	return false
}

// JobStatus is an aggregation job's observable state
type JobStatus string

// Aggregation job statuses
const (
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
)

// Job describes one aggregation pass
type Job struct {
	MetricName      string
	AggregationType AggregationType
	TimeUnit        TimeUnit
	Date            time.Time // any instant within the target bucket
	GroupPaths      []string  // group paths that produced contributions
	RootGroup       string    // aggregation root; defaults to "/"
	ExecutionID     string
	PipelineID      string
}

// Value is one appended metric fact: the group's direct contribution
// and the rolled-up contribution of all its descendants, versioned by
// CreatedAt. History is never overwritten.
type Value struct {
	MetricID       string
	Name           string
	GroupID        string
	Date           time.Time
	TimeUnit       TimeUnit
	ExecutionID    string
	PipelineID     string
	CreatedAt      time.Time
	GroupValue     float64
	SubGroupsValue float64
}

// ValueSource supplies a group's own contribution from raw activity
// outputs within a time bucket. ok is false when the group produced no
// direct contributions.
type ValueSource interface {
	GroupContribution(ctx context.Context, metricName, groupPath string, start, end time.Time, at AggregationType) (value float64, ok bool, err error)
}

// Store persists aggregated values. AppendValue must append the
// versioned row and maintain the latest projection atomically.
type Store interface {
	ResolveMetricID(ctx context.Context, name, groupID string, date time.Time, unit TimeUnit, at AggregationType) (string, error)
	AppendValue(ctx context.Context, v Value) error
}

// Locker serializes aggregation passes for the same target
type Locker interface {
	WithLock(ctx context.Context, scope lock.Scope, key string, fn func(ctx context.Context) error) error
}

// Aggregator runs lock-guarded aggregation passes
type Aggregator struct {
	source ValueSource
	store  Store
	locks  Locker
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	statuses map[string]JobStatus
}

// NewAggregator wires an aggregator
func NewAggregator(source ValueSource, store Store, locks Locker, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source:   source,
		store:    store,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
		statuses: make(map[string]JobStatus),
	}
}

// lockKey identifies the aggregation target a lock guards
func lockKey(job Job) string {
	root := job.RootGroup
	if root == "" {
		root = hierarchy.Separator
	}
	return fmt.Sprintf("%s|%s|%s", job.MetricName, job.TimeUnit, root)
}

// Status returns the last observed status for an aggregation target
func (a *Aggregator) Status(job Job) (JobStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.statuses[lockKey(job)]
	return s, ok
}

func (a *Aggregator) setStatus(job Job, s JobStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[lockKey(job)] = s
}

// Aggregate runs one pass. A concurrent pass for the same target is
// rejected with ErrAlreadyLocked; the caller sees a conflict, not a
// silently double-counted result.
func (a *Aggregator) Aggregate(ctx context.Context, job Job) error {
	if job.MetricName == "" {
		return errors.WrapInvalid(nil, "Aggregator", "Aggregate", "metric name cannot be empty")
	}
	if !job.AggregationType.Valid() {
		return errors.WrapInvalid(nil, "Aggregator", "Aggregate", "unknown aggregation type "+string(job.AggregationType))
	}
	if !job.TimeUnit.Valid() {
		return errors.WrapInvalid(nil, "Aggregator", "Aggregate", "unknown time unit "+string(job.TimeUnit))
	}
	if len(job.GroupPaths) == 0 {
		return errors.WrapInvalid(nil, "Aggregator", "Aggregate", "no contributing group paths")
	}

	key := lockKey(job)
	err := a.locks.WithLock(ctx, lock.ScopeMetricAggregation, key, func(ctx context.Context) error {
		a.setStatus(job, JobInProgress)
		return a.runPass(ctx, job)
	})
	if err != nil {
		if !errors.Is(err, errors.ErrAlreadyLocked) {
			a.setStatus(job, JobFailed)
		}
		return err
	}
	a.setStatus(job, JobSucceeded)
	return nil
}

type nodeTotals struct {
	group float64
	sub   float64
}

func (a *Aggregator) runPass(ctx context.Context, job Job) error {
	tree := hierarchy.New()
	for _, p := range job.GroupPaths {
		if err := tree.Add(p); err != nil {
			return err
		}
	}

	bucketStart, bucketEnd, err := BucketRange(job.Date, job.TimeUnit)
	if err != nil {
		return err
	}

	// One timestamp for the whole pass: every group's row from this
	// pass versions together.
	createdAt := a.now().UTC()

	totals := make(map[string]nodeTotals, tree.Size())

	// Bottom-up: children are always computed before their parent
	err = tree.WalkPostOrder(func(n *hierarchy.Node) error {
		group, ok, err := a.source.GroupContribution(ctx, job.MetricName, n.Path, bucketStart, bucketEnd, job.AggregationType)
		if err != nil {
			return errors.Wrap(err, "Aggregator", "Aggregate", "read group contribution")
		}
		if !ok {
			group = 0
		}

		var sub float64
		for _, c := range n.Children() {
			ct := totals[c.Path]
			sub += ct.group + ct.sub
		}
		totals[n.Path] = nodeTotals{group: group, sub: sub}

		metricID, err := a.store.ResolveMetricID(ctx, job.MetricName, n.Path, bucketStart, job.TimeUnit, job.AggregationType)
		if err != nil {
			return errors.Wrap(err, "Aggregator", "Aggregate", "resolve metric")
		}

		return a.store.AppendValue(ctx, Value{
			MetricID:       metricID,
			Name:           job.MetricName,
			GroupID:        n.Path,
			Date:           bucketStart,
			TimeUnit:       job.TimeUnit,
			ExecutionID:    job.ExecutionID,
			PipelineID:     job.PipelineID,
			CreatedAt:      createdAt,
			GroupValue:     group,
			SubGroupsValue: sub,
		})
	})
	if err != nil {
		return err
	}

	a.logger.Info("Aggregation pass complete",
		"metric", job.MetricName,
		"timeUnit", job.TimeUnit,
		"bucket", bucketStart.Format(time.RFC3339),
		"groups", tree.Size(),
		"executionId", job.ExecutionID)
	return nil
}
