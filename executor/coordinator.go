package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/metricflow/calcengine"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/metric"
	"github.com/c360/metricflow/pkg/worker"
	"github.com/c360/metricflow/storage"
)

// state is the tagged-union FSM state. Each transition is an
// independent unit of work; the execution record is persisted after
// every transition so a crashed run can be diagnosed and re-requested.
type state interface{ isState() }

type stateVerify struct{}

type stateCalculate struct {
	chunks []Chunk
}

type stateMerge struct {
	outcomes []ChunkOutcome
}

type stateCreateImpacts struct {
	iteration int
}

type stateAggregateMetrics struct{}

type stateDone struct {
	status  Status
	message string
}

func (stateVerify) isState()           {}
func (stateCalculate) isState()        {}
func (stateMerge) isState()            {}
func (stateCreateImpacts) isState()    {}
func (stateAggregateMetrics) isState() {}
func (stateDone) isState()             {}

// ImpactCreator derives downstream impact records from calculated
// output. One call processes a bounded page of activities; more=true
// means the coordinator should loop back after the poll interval.
type ImpactCreator interface {
	CreateImpacts(ctx context.Context, exec *Execution, iteration int) (more bool, err error)
}

// MetricTrigger kicks off metric aggregation for a completed
// activity/impact execution.
type MetricTrigger interface {
	AggregateFor(ctx context.Context, exec *Execution) error
}

// Options configures the coordinator
type Options struct {
	Concurrency         int           // simultaneous chunk invocations (backpressure, not correctness)
	ChunkSizeBytes      int           // target chunk size for the plan
	ArtifactBucket      string        // bucket name stamped into engine requests
	ImpactPollInterval  time.Duration // wait between impact-loop iterations
	ImpactMaxIterations int           // safety cap on the impact loop
	StopTimeout         time.Duration // worker pool drain bound
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.ChunkSizeBytes <= 0 {
		o.ChunkSizeBytes = 4 * 1024 * 1024
	}
	if o.ImpactPollInterval <= 0 {
		o.ImpactPollInterval = 5 * time.Second
	}
	if o.ImpactMaxIterations <= 0 {
		o.ImpactMaxIterations = 100
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
}

// Coordinator is the top-level state machine driving one execution to a
// terminal state.
type Coordinator struct {
	store     Store
	artifacts storage.Store
	calc      *calcengine.Calculator
	merger    *Merger
	impacts   ImpactCreator
	metrics   MetricTrigger
	opts      Options
	logger    *slog.Logger

	completions *prometheus.CounterVec
}

// NewCoordinator wires a coordinator. impacts may be nil when only data
// pipelines are run; metrics may be nil to skip aggregation.
func NewCoordinator(
	store Store,
	artifacts storage.Store,
	calc *calcengine.Calculator,
	merger *Merger,
	impacts ImpactCreator,
	metrics MetricTrigger,
	opts Options,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) *Coordinator {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		store:     store,
		artifacts: artifacts,
		calc:      calc,
		merger:    merger,
		impacts:   impacts,
		metrics:   metrics,
		opts:      opts,
		logger:    logger,
	}

	if registry != nil {
		c.completions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executions_completed_total",
			Help: "Executions reaching a terminal state",
		}, []string{"status"})
		_ = registry.RegisterCounterVec("coordinator", "executions_completed_total", c.completions)
	}

	return c
}

// Run drives the execution from its current status to a terminal
// state. Any unhandled error moves the execution to failed with the
// triggering error captured verbatim in the status message.
func (c *Coordinator) Run(ctx context.Context, exec *Execution) error {
	if exec.Status.Terminal() {
		return errors.Wrap(errors.ErrExecutionTerminal, "Coordinator", "Run", exec.ID)
	}

	c.logger.Info("Starting execution",
		"executionId", exec.ID,
		"pipelineId", exec.PipelineID,
		"pipelineType", exec.PipelineType,
		"actionType", exec.ActionType)

	var cur state = stateVerify{}
	for {
		next, err := c.step(ctx, exec, cur)
		if err != nil {
			c.fail(ctx, exec, err)
			return err
		}
		if err := c.persist(ctx, exec); err != nil {
			c.fail(ctx, exec, err)
			return err
		}

		if done, ok := next.(stateDone); ok {
			exec.Status = done.status
			if done.message != "" {
				exec.StatusMessage = done.message
			}
			if err := c.persist(ctx, exec); err != nil {
				return err
			}
			if c.completions != nil {
				c.completions.WithLabelValues(string(done.status)).Inc()
			}
			c.logger.Info("Execution finished", "executionId", exec.ID, "status", done.status)
			if done.status == StatusFailed {
				return errors.New(exec.StatusMessage)
			}
			return nil
		}
		cur = next
	}
}

func (c *Coordinator) step(ctx context.Context, exec *Execution, cur state) (state, error) {
	switch s := cur.(type) {
	case stateVerify:
		return c.verify(ctx, exec)
	case stateCalculate:
		return c.calculate(ctx, exec, s.chunks)
	case stateMerge:
		return c.merge(ctx, exec, s.outcomes)
	case stateCreateImpacts:
		return c.createImpacts(ctx, exec, s.iteration)
	case stateAggregateMetrics:
		return c.aggregateMetrics(ctx, exec)
	default:
		return nil, errors.WrapFatal(fmt.Errorf("unknown state %T", cur), "Coordinator", "step", "state machine corrupted")
	}
}

// verify validates the request and produces the chunk plan
func (c *Coordinator) verify(ctx context.Context, exec *Execution) (state, error) {
	if exec.PipelineID == "" {
		return nil, errors.WrapInvalid(nil, "Coordinator", "verify", "execution has no pipeline id")
	}
	if exec.Source.Key == "" {
		return nil, errors.WrapInvalid(nil, "Coordinator", "verify", "execution has no source data location")
	}
	if len(exec.Transforms) == 0 {
		return nil, errors.WrapInvalid(nil, "Coordinator", "verify", "execution has no transforms")
	}

	source, err := c.artifacts.Get(ctx, exec.Source.Key)
	if err != nil {
		return nil, errors.Wrap(err, "Coordinator", "verify", "read source data")
	}

	chunks, err := PlanChunks(source, c.opts.ChunkSizeBytes, exec.Source.ContainsHeader)
	if err != nil {
		return nil, err
	}

	exec.Status = StatusInProgress
	exec.StatusMessage = ""
	c.logger.Info("Verified execution", "executionId", exec.ID, "chunks", len(chunks), "sourceBytes", len(source))
	return stateCalculate{chunks: chunks}, nil
}

// calculate fans the chunk plan out over a bounded worker pool. Every
// chunk runs to termination: a failed chunk does not cancel its
// siblings, and failures are carried into the outcome set for the merger.
func (c *Coordinator) calculate(ctx context.Context, exec *Execution, chunks []Chunk) (state, error) {
	outcomes := make([]ChunkOutcome, len(chunks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	processor := func(ctx context.Context, ch Chunk) error {
		defer wg.Done()

		req := calcengine.Request{
			GroupContextID: exec.GroupContextID,
			PipelineID:     exec.PipelineID,
			ExecutionID:    exec.ID,
			SourceDataLocation: calcengine.SourceDataLocation{
				Bucket:         c.opts.ArtifactBucket,
				Key:            exec.Source.Key,
				ContainsHeader: ch.ContainsHeader,
				StartByte:      ch.StartByte,
				EndByte:        ch.EndByte,
			},
			ChunkNo:    ch.SequenceNo,
			UniqueKey:  exec.UniqueKey,
			Transforms: exec.Transforms,
		}

		result, err := c.calc.ProcessChunk(ctx, req)
		mu.Lock()
		outcomes[ch.SequenceNo] = ChunkOutcome{SequenceNo: ch.SequenceNo, Result: result, Err: err}
		mu.Unlock()
		return err
	}

	pool := worker.NewPool(c.opts.Concurrency, len(chunks), processor)
	if err := pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "Coordinator", "calculate", "start worker pool")
	}

	wg.Add(len(chunks))
	for _, ch := range chunks {
		if err := pool.Submit(ch); err != nil {
			wg.Done()
			mu.Lock()
			outcomes[ch.SequenceNo] = ChunkOutcome{SequenceNo: ch.SequenceNo, Err: err}
			mu.Unlock()
		}
	}
	wg.Wait()
	if err := pool.Stop(c.opts.StopTimeout); err != nil {
		c.logger.Warn("Worker pool stop timed out", "executionId", exec.ID, "error", err)
	}

	return stateMerge{outcomes: outcomes}, nil
}

// merge combines artifacts and classifies the outcome
func (c *Coordinator) merge(ctx context.Context, exec *Execution, outcomes []ChunkOutcome) (state, error) {
	result, err := c.merger.Merge(ctx, exec, outcomes)
	if err != nil {
		return nil, err
	}

	exec.Status = result.Status
	exec.StatusMessage = result.StatusMessage

	switch result.Status {
	case StatusFailed:
		return stateDone{status: StatusFailed, message: result.StatusMessage}, nil
	case StatusSuccess:
		return stateDone{status: StatusSuccess}, nil
	default:
		return stateCreateImpacts{iteration: 0}, nil
	}
}

// createImpacts runs one page of impact creation and loops back while
// more work remains, bounded by the iteration cap.
func (c *Coordinator) createImpacts(ctx context.Context, exec *Execution, iteration int) (state, error) {
	if c.impacts == nil {
		return stateAggregateMetrics{}, nil
	}

	more, err := c.impacts.CreateImpacts(ctx, exec, iteration)
	if err != nil {
		return nil, errors.Wrap(err, "Coordinator", "createImpacts", "derive impact records")
	}
	if !more {
		return stateAggregateMetrics{}, nil
	}

	if iteration+1 >= c.opts.ImpactMaxIterations {
		return nil, errors.Wrap(errors.ErrImpactLoopExceeded, "Coordinator", "createImpacts",
			fmt.Sprintf("after %d iterations", iteration+1))
	}

	// The underlying work runs asynchronously off the orchestrator;
	// poll rather than block.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.opts.ImpactPollInterval):
	}
	return stateCreateImpacts{iteration: iteration + 1}, nil
}

// aggregateMetrics rolls the execution's outputs up into metrics
func (c *Coordinator) aggregateMetrics(ctx context.Context, exec *Execution) (state, error) {
	if c.metrics == nil {
		return stateDone{status: StatusSuccess}, nil
	}

	exec.Status = StatusCalculatingMetrics
	if err := c.persist(ctx, exec); err != nil {
		return nil, err
	}

	if err := c.metrics.AggregateFor(ctx, exec); err != nil {
		return nil, errors.Wrap(err, "Coordinator", "aggregateMetrics", "aggregate metrics")
	}
	return stateDone{status: StatusSuccess}, nil
}

func (c *Coordinator) persist(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	return c.store.SaveExecution(ctx, exec)
}

// fail moves the execution to failed with the error captured verbatim
func (c *Coordinator) fail(ctx context.Context, exec *Execution, cause error) {
	exec.Status = StatusFailed
	exec.StatusMessage = cause.Error()
	if err := c.persist(ctx, exec); err != nil {
		c.logger.Error("Failed to persist failed execution", "executionId", exec.ID, "error", err)
	}
	if c.completions != nil {
		c.completions.WithLabelValues(string(StatusFailed)).Inc()
	}
	c.logger.Error("Execution failed", "executionId", exec.ID, "error", cause)
}
