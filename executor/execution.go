// Package executor drives a pipeline execution from verification through
// chunked calculation, artifact merging, downstream impact creation, and
// terminal status, as an explicit finite-state machine whose state is
// persisted after every transition.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/metricflow/calcengine"
)

// Status is an execution's observable state
type Status string

// Execution statuses
const (
	StatusWaiting            Status = "waiting"
	StatusInProgress         Status = "in_progress"
	StatusCalculatingMetrics Status = "calculating_metrics"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
)

// Terminal reports whether the status is final. Once terminal, the
// execution record is immutable; subsequent runs create a new execution.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ActionType is what an execution does to its target data
type ActionType string

// Execution action types
const (
	ActionCreate ActionType = "create"
	ActionDelete ActionType = "delete"
)

// PipelineType determines post-merge behavior: data pipelines are done
// after merging, activity and impact pipelines have a follow-on
// impact-creation step before completion.
type PipelineType string

// Pipeline types
const (
	PipelineData       PipelineType = "data"
	PipelineActivities PipelineType = "activities"
	PipelineImpacts    PipelineType = "impacts"
)

// Execution represents one run of a pipeline. Records are append-only:
// they are created when a run is requested, mutated only by the
// coordinator as it advances, and never deleted: failed executions
// remain queryable for diagnosis.
type Execution struct {
	ID              string       `json:"id"`
	PipelineID      string       `json:"pipelineId"`
	PipelineVersion int          `json:"pipelineVersion"`
	PipelineType    PipelineType `json:"pipelineType"`
	ActionType      ActionType   `json:"actionType"`
	Status          Status       `json:"status"`
	StatusMessage   string       `json:"statusMessage,omitempty"`
	GroupContextID  string       `json:"groupContextId"`
	Tags            []string     `json:"tags,omitempty"`

	// Source dataset and transform configuration for this run
	Source     calcengine.SourceDataLocation `json:"source"`
	UniqueKey  []string                      `json:"uniqueKey,omitempty"`
	Transforms json.RawMessage               `json:"transforms"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// NewExecution creates a waiting execution for a requested run
func NewExecution(pipelineID string, version int, pipelineType PipelineType, action ActionType, groupContextID, requestedBy string) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:              uuid.NewString(),
		PipelineID:      pipelineID,
		PipelineVersion: version,
		PipelineType:    pipelineType,
		ActionType:      action,
		Status:          StatusWaiting,
		GroupContextID:  groupContextID,
		CreatedAt:       now,
		CreatedBy:       requestedBy,
		UpdatedAt:       now,
		UpdatedBy:       requestedBy,
	}
}

// Store persists execution records. The coordinator saves after every
// state transition for crash-recoverability.
type Store interface {
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
}
