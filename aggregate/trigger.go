package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/executor"
)

// TriggerRule declares a metric recomputed after activity executions
// complete
type TriggerRule struct {
	MetricName      string          `json:"metricName"`
	AggregationType AggregationType `json:"aggregationType"`
	TimeUnit        TimeUnit        `json:"timeUnit"`
	RootGroup       string          `json:"rootGroup,omitempty"`
}

// ContributionLister reports which groups and observation dates an
// execution contributed values for under an attribute
type ContributionLister interface {
	ContributionWindow(ctx context.Context, attributeName, executionID string) (paths []string, minDate, maxDate time.Time, ok bool, err error)
}

// Trigger translates a completed execution into aggregation passes:
// one pass per configured rule per time bucket the execution's
// contributions touch.
type Trigger struct {
	agg           *Aggregator
	contributions ContributionLister
	rules         []TriggerRule
	logger        *slog.Logger
}

// NewTrigger wires an aggregation trigger
func NewTrigger(agg *Aggregator, contributions ContributionLister, rules []TriggerRule, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{agg: agg, contributions: contributions, rules: rules, logger: logger}
}

var _ executor.MetricTrigger = (*Trigger)(nil)

// AggregateFor runs every aggregation pass the execution's
// contributions require. A lock conflict on any target propagates up
// so the execution surfaces the contention instead of silently
// skipping a recompute.
func (t *Trigger) AggregateFor(ctx context.Context, exec *executor.Execution) error {
	for _, rule := range t.rules {
		paths, minDate, maxDate, ok, err := t.contributions.ContributionWindow(ctx, rule.MetricName, exec.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		start, err := BucketStart(minDate, rule.TimeUnit)
		if err != nil {
			return err
		}
		for !start.After(maxDate) {
			job := Job{
				MetricName:      rule.MetricName,
				AggregationType: rule.AggregationType,
				TimeUnit:        rule.TimeUnit,
				Date:            start,
				GroupPaths:      paths,
				RootGroup:       rule.RootGroup,
				ExecutionID:     exec.ID,
				PipelineID:      exec.PipelineID,
			}
			if err := t.agg.Aggregate(ctx, job); err != nil {
				return errors.Wrap(err, "Trigger", "AggregateFor", "aggregate "+rule.MetricName)
			}

			_, next, err := BucketRange(start, rule.TimeUnit)
			if err != nil {
				return err
			}
			start = next
		}
	}

	t.logger.Info("Aggregation triggered",
		"executionId", exec.ID,
		"rules", len(t.rules))
	return nil
}
