package storage

import "fmt"

// Artifact key layout. The layout is a compatibility contract: outputs
// and errors live under a path namespaced by pipeline id and execution
// id, with the chunk sequence number embedded in the key so that
// re-invoking a chunk overwrites its artifacts instead of duplicating them.

// ExecutionPrefix returns the key prefix for one execution's artifacts
func ExecutionPrefix(pipelineID, executionID string) string {
	return fmt.Sprintf("pipelines/%s/executions/%s", pipelineID, executionID)
}

// ChunkOutputKey returns the key for a chunk's output artifact
func ChunkOutputKey(pipelineID, executionID string, sequence int) string {
	return fmt.Sprintf("%s/chunks/%d/output.csv", ExecutionPrefix(pipelineID, executionID), sequence)
}

// ChunkErrorKey returns the key for a chunk's error artifact
func ChunkErrorKey(pipelineID, executionID string, sequence int) string {
	return fmt.Sprintf("%s/chunks/%d/errors.txt", ExecutionPrefix(pipelineID, executionID), sequence)
}

// ResultKey returns the key for the merged execution-level result artifact
func ResultKey(pipelineID, executionID string) string {
	return fmt.Sprintf("%s/result.csv", ExecutionPrefix(pipelineID, executionID))
}

// ErrorsKey returns the key for the merged execution-level error artifact
func ErrorsKey(pipelineID, executionID string) string {
	return fmt.Sprintf("%s/errors.txt", ExecutionPrefix(pipelineID, executionID))
}

// ExportKey returns the key for an export job's artifact
func ExportKey(jobID string) string {
	return fmt.Sprintf("exports/%s.csv", jobID)
}
