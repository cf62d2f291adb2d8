package executor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChunks_SingleChunk(t *testing.T) {
	source := []byte("a,b,c\n1,2,3\n")
	chunks, err := PlanChunks(source, 1024, true)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].SequenceNo)
	assert.Equal(t, int64(0), chunks[0].StartByte)
	assert.Equal(t, int64(len(source)), chunks[0].EndByte)
	assert.True(t, chunks[0].ContainsHeader)
}

func TestPlanChunks_RowBoundaries(t *testing.T) {
	source := []byte("header\nrow-one\nrow-two\nrow-three\n")
	chunks, err := PlanChunks(source, 10, true)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Ranges must tile the source exactly
	var prev int64
	for i, ch := range chunks {
		assert.Equal(t, i, ch.SequenceNo)
		assert.Equal(t, prev, ch.StartByte)
		prev = ch.EndByte
	}
	assert.Equal(t, int64(len(source)), prev)

	// Every chunk except the last ends on a newline
	for _, ch := range chunks[:len(chunks)-1] {
		assert.Equal(t, byte('\n'), source[ch.EndByte-1])
	}

	// Only the first chunk carries the header flag
	assert.True(t, chunks[0].ContainsHeader)
	for _, ch := range chunks[1:] {
		assert.False(t, ch.ContainsHeader)
	}
}

func TestPlanChunks_NoTrailingNewline(t *testing.T) {
	source := []byte("aaaa\nbbbb\ncccc")
	chunks, err := PlanChunks(source, 6, false)
	require.NoError(t, err)

	var joined bytes.Buffer
	for _, ch := range chunks {
		joined.Write(source[ch.StartByte:ch.EndByte])
	}
	assert.Equal(t, source, joined.Bytes())
}

func TestPlanChunks_Invalid(t *testing.T) {
	_, err := PlanChunks(nil, 10, false)
	assert.Error(t, err)

	_, err = PlanChunks([]byte("x"), 0, false)
	assert.Error(t, err)
}
