package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/c360/metricflow/calcengine"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/storage"
)

// ChunkOutcome is one chunk's terminal result: either a ChunkResult or
// the error that remained after the retry budget was exhausted.
type ChunkOutcome struct {
	SequenceNo int
	Result     calcengine.ChunkResult
	Err        error
}

// MergeResult is the execution-level outcome of merging all chunks
type MergeResult struct {
	Status        Status
	StatusMessage string
	ResultKey     string
	ErrorsKey     string
	FailedChunks  int
}

// Merger concatenates per-chunk artifacts into one execution-level
// result artifact and one error artifact, and classifies the outcome.
type Merger struct {
	artifacts storage.Store
	logger    *slog.Logger
}

// NewMerger creates a merger over the artifact store
func NewMerger(artifacts storage.Store, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{artifacts: artifacts, logger: logger}
}

// Merge combines all chunk outcomes for one execution. The outcome set
// must be complete: sequences 0..N-1 with no gaps. Outputs are
// concatenated in sequence order; non-empty error artifacts are
// concatenated into the execution-level error artifact. Classification:
// any errors → failed; data pipeline → success; activity/impact
// pipelines → in_progress, since they still have impacts to create.
func (m *Merger) Merge(ctx context.Context, exec *Execution, outcomes []ChunkOutcome) (MergeResult, error) {
	if len(outcomes) == 0 {
		return MergeResult{}, errors.WrapInvalid(nil, "Merger", "Merge", "no chunk outcomes")
	}

	sorted := make([]ChunkOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceNo < sorted[j].SequenceNo })

	for i, o := range sorted {
		if o.SequenceNo != i {
			return MergeResult{}, errors.Wrap(errors.ErrChunkSetIncomplete, "Merger", "Merge",
				fmt.Sprintf("expected sequence %d, found %d", i, o.SequenceNo))
		}
	}

	var output bytes.Buffer
	var errOutput bytes.Buffer
	failed := 0
	errChunks := 0

	for _, o := range sorted {
		if o.Err != nil {
			failed++
			errChunks++
			fmt.Fprintf(&errOutput, "chunk %d: %v\n", o.SequenceNo, o.Err)
			continue
		}

		chunkErrs, err := m.artifacts.Get(ctx, o.Result.ErrorLocation.Key)
		if err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
			return MergeResult{}, errors.Wrap(err, "Merger", "Merge", "read chunk error artifact")
		}
		if len(chunkErrs) > 0 {
			errChunks++
			errOutput.Write(chunkErrs)
			if chunkErrs[len(chunkErrs)-1] != '\n' {
				errOutput.WriteByte('\n')
			}
		}

		chunkOut, err := m.artifacts.Get(ctx, o.Result.OutputLocation.Key)
		if err != nil {
			return MergeResult{}, errors.Wrap(err, "Merger", "Merge", "read chunk output artifact")
		}
		output.Write(chunkOut)
	}

	resultKey := storage.ResultKey(exec.PipelineID, exec.ID)
	if err := m.artifacts.Put(ctx, resultKey, output.Bytes()); err != nil {
		return MergeResult{}, errors.Wrap(err, "Merger", "Merge", "write merged result")
	}

	errorsKey := storage.ErrorsKey(exec.PipelineID, exec.ID)
	if err := m.artifacts.Put(ctx, errorsKey, errOutput.Bytes()); err != nil {
		return MergeResult{}, errors.Wrap(err, "Merger", "Merge", "write merged errors")
	}

	result := MergeResult{
		ResultKey:    resultKey,
		ErrorsKey:    errorsKey,
		FailedChunks: failed,
	}

	switch {
	case errOutput.Len() > 0:
		result.Status = StatusFailed
		result.StatusMessage = fmt.Sprintf("%d of %d chunks reported errors; see %s", errChunks, len(sorted), errorsKey)
	case exec.PipelineType == PipelineData:
		// Data pipelines have no downstream fan-out step
		result.Status = StatusSuccess
	default:
		result.Status = StatusInProgress
	}

	m.logger.Info("Merged chunk artifacts",
		"executionId", exec.ID,
		"chunks", len(sorted),
		"failedChunks", failed,
		"status", result.Status)

	return result, nil
}
