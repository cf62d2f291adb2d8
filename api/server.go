// Package api exposes the engine over HTTP: execution submission and
// inspection, manual aggregation passes, metric exports, bulk loads,
// and Prometheus metrics.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/calcengine"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/executor"
	"github.com/c360/metricflow/export"
	"github.com/c360/metricflow/metric"
	"github.com/c360/metricflow/valuestore"
)

// ExecutionRunner drives an execution to a terminal state
type ExecutionRunner interface {
	Run(ctx context.Context, exec *executor.Execution) error
}

// ExecutionReader looks up persisted executions
type ExecutionReader interface {
	SaveExecution(ctx context.Context, exec *executor.Execution) error
	GetExecution(ctx context.Context, id string) (*executor.Execution, error)
	ListExecutions(ctx context.Context, pipelineID string) ([]valuestore.ExecutionSummary, error)
}

// AggregationRunner runs aggregation passes on demand
type AggregationRunner interface {
	Aggregate(ctx context.Context, job aggregate.Job) error
	Status(job aggregate.Job) (aggregate.JobStatus, bool)
}

// ExportRunner runs export jobs and reports their status
type ExportRunner interface {
	Run(ctx context.Context, job export.Job) error
	Status(jobID string) (export.Status, string, bool)
}

// BulkLoader loads metric values from CSV
type BulkLoader interface {
	LoadMetricsCSV(ctx context.Context, r io.Reader) (int, error)
}

// Server is the HTTP surface over the engine
type Server struct {
	runner       ExecutionRunner
	executions   ExecutionReader
	aggregations AggregationRunner
	exports      ExportRunner
	loader       BulkLoader
	registry     *metric.MetricsRegistry
	logger       *slog.Logger

	// base context for work that outlives the submitting request
	baseCtx context.Context
}

// NewServer wires the HTTP surface. registry may be nil to skip the
// metrics endpoint.
func NewServer(
	baseCtx context.Context,
	runner ExecutionRunner,
	executions ExecutionReader,
	aggregations AggregationRunner,
	exports ExportRunner,
	loader BulkLoader,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		runner:       runner,
		executions:   executions,
		aggregations: aggregations,
		exports:      exports,
		loader:       loader,
		registry:     registry,
		logger:       logger,
		baseCtx:      baseCtx,
	}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/executions", s.handleCreateExecution)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /v1/pipelines/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("POST /v1/aggregations", s.handleAggregate)
	mux.HandleFunc("POST /v1/exports", s.handleCreateExport)
	mux.HandleFunc("GET /v1/exports/{id}", s.handleGetExport)
	mux.HandleFunc("POST /v1/metrics/bulk", s.handleBulkLoad)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}

	return s.withRequestID(mux)
}

// withRequestID attaches a request id for tracing across log lines
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			b := make([]byte, 8)
			if _, err := rand.Read(b); err != nil {
				reqID = fmt.Sprintf("req-%d", time.Now().UnixNano())
			} else {
				reqID = hex.EncodeToString(b)
			}
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// executionRequest is the submission payload for a pipeline run
type executionRequest struct {
	PipelineID      string                        `json:"pipelineId"`
	PipelineVersion int                           `json:"pipelineVersion"`
	PipelineType    executor.PipelineType         `json:"pipelineType"`
	ActionType      executor.ActionType           `json:"actionType"`
	GroupContextID  string                        `json:"groupContextId"`
	Source          calcengine.SourceDataLocation `json:"source"`
	UniqueKey       []string                      `json:"uniqueKey,omitempty"`
	Transforms      json.RawMessage               `json:"transforms"`
	CreatedBy       string                        `json:"createdBy"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req executionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PipelineID == "" || req.Source.Key == "" || len(req.Transforms) == 0 {
		s.writeError(w, http.StatusBadRequest, "pipelineId, source.key and transforms are required")
		return
	}

	exec := executor.NewExecution(req.PipelineID, req.PipelineVersion, req.PipelineType, req.ActionType, req.GroupContextID, req.CreatedBy)
	exec.Source = req.Source
	exec.UniqueKey = req.UniqueKey
	exec.Transforms = req.Transforms

	if err := s.executions.SaveExecution(r.Context(), exec); err != nil {
		s.logger.Error("Persist execution failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not persist execution")
		return
	}

	// The run outlives this request; its progress is observable via
	// the execution record.
	go func() {
		if err := s.runner.Run(s.baseCtx, exec); err != nil {
			s.logger.Error("Execution failed",
				"executionId", exec.ID,
				"pipelineId", exec.PipelineID,
				"error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.executions.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, errors.ErrExecutionNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("Read execution failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not read execution")
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.executions.ListExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("List executions failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not list executions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

// aggregationRequest is the payload for a manual aggregation pass
type aggregationRequest struct {
	MetricName      string                    `json:"metricName"`
	AggregationType aggregate.AggregationType `json:"aggregationType"`
	TimeUnit        aggregate.TimeUnit        `json:"timeUnit"`
	Date            time.Time                 `json:"date"`
	GroupPaths      []string                  `json:"groupPaths"`
	RootGroup       string                    `json:"rootGroup,omitempty"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job := aggregate.Job{
		MetricName:      req.MetricName,
		AggregationType: req.AggregationType,
		TimeUnit:        req.TimeUnit,
		Date:            req.Date,
		GroupPaths:      req.GroupPaths,
		RootGroup:       req.RootGroup,
	}

	err := s.aggregations.Aggregate(r.Context(), job)
	switch {
	case err == nil:
		status, _ := s.aggregations.Status(job)
		s.writeJSON(w, http.StatusOK, map[string]any{"status": status})
	case errors.Is(err, errors.ErrAlreadyLocked):
		s.writeError(w, http.StatusConflict, "aggregation already in progress for this target")
	case errors.IsInvalid(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Aggregation failed", "metric", req.MetricName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "aggregation failed")
	}
}

// exportRequest is the payload for an export job
type exportRequest struct {
	MetricName string             `json:"metricName"`
	TimeUnit   aggregate.TimeUnit `json:"timeUnit"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MetricName == "" || !req.TimeUnit.Valid() {
		s.writeError(w, http.StatusBadRequest, "metricName and a valid timeUnit are required")
		return
	}

	job := export.NewJob(req.MetricName, req.TimeUnit)
	go func() {
		if err := s.exports.Run(s.baseCtx, job); err != nil {
			s.logger.Error("Export failed", "jobId", job.ID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	status, message, ok := s.exports.Status(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	body := map[string]any{"status": status}
	if message != "" {
		body["message"] = message
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	n, err := s.loader.LoadMetricsCSV(r.Context(), r.Body)
	if err != nil {
		if errors.IsInvalid(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Bulk load failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "bulk load failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rowsLoaded": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
