package executor

import (
	"bytes"

	"github.com/c360/metricflow/errors"
)

// Chunk is one independently processable slice of an execution's source
// data: a byte range that starts and ends on row boundaries. Chunks are
// ephemeral; they exist only within one execution's lifetime.
type Chunk struct {
	SequenceNo     int
	StartByte      int64
	EndByte        int64 // exclusive
	ContainsHeader bool
}

// PlanChunks splits source into byte-range chunks of roughly chunkSize
// bytes, extending each chunk to the next newline so no row is split
// across chunks. Only the first chunk carries the header flag.
func PlanChunks(source []byte, chunkSize int, containsHeader bool) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, errors.WrapInvalid(nil, "executor", "PlanChunks", "chunk size must be positive")
	}
	if len(source) == 0 {
		return nil, errors.WrapInvalid(nil, "executor", "PlanChunks", "source data is empty")
	}

	var chunks []Chunk
	var start int64
	total := int64(len(source))

	for start < total {
		end := start + int64(chunkSize)
		if end >= total {
			end = total
		} else {
			// Extend to the next row boundary
			nl := bytes.IndexByte(source[end:], '\n')
			if nl < 0 {
				end = total
			} else {
				end += int64(nl) + 1
			}
		}

		chunks = append(chunks, Chunk{
			SequenceNo:     len(chunks),
			StartByte:      start,
			EndByte:        end,
			ContainsHeader: containsHeader && len(chunks) == 0,
		})
		start = end
	}

	return chunks, nil
}
