package merge

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gammanik/resumable-upload/internal/chunkstore"
	"github.com/Gammanik/resumable-upload/internal/uperr"
)

func stage(t *testing.T, s *chunkstore.Store, id string, indices []int, parts []string) {
	t.Helper()
	for _, idx := range indices {
		_, err := s.WriteChunk(id, idx, strings.NewReader(parts[idx]))
		require.NoError(t, err)
	}
}

func TestRunConcatenatesInOrder(t *testing.T) {
	parts := []string{"alpha-", "beta-", "gamma"}

	// Arrival order must not matter, only index order.
	arrivals := [][]int{
		{0, 1, 2},
		{2, 0, 1},
		{1, 2, 0},
	}

	for _, order := range arrivals {
		s := chunkstore.New(memfs.New())
		stage(t, s, "sess", order, parts)

		var out bytes.Buffer
		n, err := Run(context.Background(), s, "sess", len(parts), &out)
		require.NoError(t, err)
		assert.Equal(t, "alpha-beta-gamma", out.String())
		assert.Equal(t, int64(len("alpha-beta-gamma")), n)
	}
}

func TestRunEmptySession(t *testing.T) {
	s := chunkstore.New(memfs.New())

	var out bytes.Buffer
	n, err := Run(context.Background(), s, "sess", 0, &out)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, out.Bytes())
}

func TestRunChunkMissing(t *testing.T) {
	parts := []string{"a", "b", "c"}
	s := chunkstore.New(memfs.New())
	stage(t, s, "sess", []int{0, 2}, parts)

	var out bytes.Buffer
	_, err := Run(context.Background(), s, "sess", 3, &out)
	require.Error(t, err)
	assert.True(t, uperr.IsCode(err, uperr.CodeChunkMissing))

	var uerr *uperr.Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 1, uerr.Index)

	// Staged chunks survive a failed merge for a later retry.
	ok, err := s.HasChunk("sess", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingWriter struct {
	n int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	if w.n > 1 {
		return 0, assert.AnError
	}
	return len(p), nil
}

func TestRunOutputFailureAborts(t *testing.T) {
	parts := []string{"a", "b", "c"}
	s := chunkstore.New(memfs.New())
	stage(t, s, "sess", []int{0, 1, 2}, parts)

	_, err := Run(context.Background(), s, "sess", 3, &failingWriter{})
	require.ErrorIs(t, err, assert.AnError)

	// Staging is intact.
	missing, err := s.Missing("sess", 3)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunHonoursCancellation(t *testing.T) {
	s := chunkstore.New(memfs.New())
	stage(t, s, "sess", []int{0}, []string{"a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := Run(ctx, s, "sess", 1, &out)
	require.ErrorIs(t, err, context.Canceled)
}
