package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricflow/calcengine"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/storage"
)

func testExecution(pt PipelineType) *Execution {
	exec := NewExecution("pipe-1", 1, pt, ActionCreate, "/usa", "tester")
	exec.ID = "exec-1"
	return exec
}

// seedChunks writes per-chunk artifacts and returns the outcome set.
// errChunks maps sequence numbers to error artifact contents.
func seedChunks(t *testing.T, artifacts storage.Store, exec *Execution, n int, errChunks map[int]string) []ChunkOutcome {
	t.Helper()
	ctx := context.Background()
	outcomes := make([]ChunkOutcome, 0, n)

	for i := 0; i < n; i++ {
		outKey := storage.ChunkOutputKey(exec.PipelineID, exec.ID, i)
		errKey := storage.ChunkErrorKey(exec.PipelineID, exec.ID, i)
		require.NoError(t, artifacts.Put(ctx, outKey, []byte(fmt.Sprintf("row-%d\n", i))))
		require.NoError(t, artifacts.Put(ctx, errKey, []byte(errChunks[i])))

		outcomes = append(outcomes, ChunkOutcome{
			SequenceNo: i,
			Result: calcengine.ChunkResult{
				SequenceNo:     i,
				OutputLocation: calcengine.DataLocation{Key: outKey},
				ErrorLocation:  calcengine.DataLocation{Key: errKey},
			},
		})
	}
	return outcomes
}

func TestMerge_ErrorChunkFailsExecution(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineData)

	// 5 chunks where chunk 3 produced a non-empty error artifact
	outcomes := seedChunks(t, artifacts, exec, 5, map[int]string{3: "row 17: divide by zero\n"})

	m := NewMerger(artifacts, nil)
	result, err := m.Merge(ctx, exec, outcomes)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.StatusMessage, "1 of 5 chunks")

	merged, err := artifacts.Get(ctx, result.ErrorsKey)
	require.NoError(t, err)
	assert.Equal(t, "row 17: divide by zero\n", string(merged))
}

func TestMerge_DataPipelineSucceeds(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineData)

	outcomes := seedChunks(t, artifacts, exec, 5, nil)

	m := NewMerger(artifacts, nil)
	result, err := m.Merge(ctx, exec, outcomes)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	// Outputs concatenated in sequence order
	merged, err := artifacts.Get(ctx, result.ResultKey)
	require.NoError(t, err)
	assert.Equal(t, "row-0\nrow-1\nrow-2\nrow-3\nrow-4\n", string(merged))
}

func TestMerge_ActivitiesPipelineStaysInProgress(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineActivities)

	outcomes := seedChunks(t, artifacts, exec, 5, nil)

	m := NewMerger(artifacts, nil)
	result, err := m.Merge(ctx, exec, outcomes)
	require.NoError(t, err)

	// Impact creation still has to run before the execution is complete
	assert.Equal(t, StatusInProgress, result.Status)
}

func TestMerge_OutOfOrderOutcomesSorted(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineData)

	outcomes := seedChunks(t, artifacts, exec, 3, nil)
	outcomes[0], outcomes[2] = outcomes[2], outcomes[0]

	m := NewMerger(artifacts, nil)
	result, err := m.Merge(ctx, exec, outcomes)
	require.NoError(t, err)

	merged, err := artifacts.Get(ctx, result.ResultKey)
	require.NoError(t, err)
	assert.Equal(t, "row-0\nrow-1\nrow-2\n", string(merged))
}

func TestMerge_GapInSequencesRejected(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineData)

	outcomes := seedChunks(t, artifacts, exec, 3, nil)
	outcomes = append(outcomes[:1], outcomes[2:]...) // drop sequence 1

	m := NewMerger(artifacts, nil)
	_, err := m.Merge(ctx, exec, outcomes)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrChunkSetIncomplete))
}

func TestMerge_FatalChunkFailureRecorded(t *testing.T) {
	ctx := context.Background()
	artifacts := storage.NewMemoryStore()
	exec := testExecution(PipelineActivities)

	outcomes := seedChunks(t, artifacts, exec, 3, nil)
	outcomes[1] = ChunkOutcome{
		SequenceNo: 1,
		Err:        errors.Wrap(errors.ErrMaxRetriesExceeded, "Calculator", "ProcessChunk", "engine invocation exhausted"),
	}

	m := NewMerger(artifacts, nil)
	result, err := m.Merge(ctx, exec, outcomes)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	merged, err := artifacts.Get(ctx, result.ErrorsKey)
	require.NoError(t, err)
	assert.Contains(t, string(merged), "chunk 1:")
}

func TestMerge_EmptyOutcomesRejected(t *testing.T) {
	m := NewMerger(storage.NewMemoryStore(), nil)
	_, err := m.Merge(context.Background(), testExecution(PipelineData), nil)
	assert.Error(t, err)
}
