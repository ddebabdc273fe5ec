package chunkstore

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return New(memfs.New())
}

func readChunk(t *testing.T, s *Store, id string, index int) []byte {
	t.Helper()
	f, err := s.OpenChunk(id, index)
	require.NoError(t, err)
	defer f.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestWriteAndReadChunk(t *testing.T) {
	s := newTestStore()

	n, err := s.WriteChunk("sess", 0, strings.NewReader("chunk zero"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("chunk zero")), n)

	assert.Equal(t, []byte("chunk zero"), readChunk(t, s, "sess", 0))

	ok, err := s.HasChunk("sess", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasChunk("sess", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := s.ChunkLen("sess", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len("chunk zero")), size)
}

func TestWriteChunkOverwrites(t *testing.T) {
	s := newTestStore()

	_, err := s.WriteChunk("sess", 2, strings.NewReader("first copy"))
	require.NoError(t, err)
	_, err = s.WriteChunk("sess", 2, strings.NewReader("second"))
	require.NoError(t, err)

	assert.Equal(t, []byte("second"), readChunk(t, s, "sess", 2))
}

func TestFailedWriteLeavesNoChunk(t *testing.T) {
	s := newTestStore()

	_, err := s.WriteChunk("sess", 0, errReader{})
	require.Error(t, err)

	ok, err := s.HasChunk("sess", 0)
	require.NoError(t, err)
	assert.False(t, ok, "aborted write must not be observable as a chunk")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, assert.AnError
}

func TestMissing(t *testing.T) {
	s := newTestStore()

	for _, idx := range []int{0, 2, 4} {
		_, err := s.WriteChunk("sess", idx, strings.NewReader("x"))
		require.NoError(t, err)
	}

	missing, err := s.Missing("sess", 6)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, missing)

	missing, err = s.Missing("unknown", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, missing, "no staging dir means everything is missing")
}

func TestMissingIgnoresForeignFiles(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Provision("sess"))

	// A leftover temp file must not count as a staged chunk.
	require.NoError(t, util.WriteFile(s.fs, s.fs.Join("sess", "0.chunk.12345"), []byte("partial"), 0o644))
	require.NoError(t, util.WriteFile(s.fs, s.fs.Join("sess", "notes.txt"), []byte("x"), 0o644))

	missing, err := s.Missing("sess", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, missing)
}

func TestRemoveChunk(t *testing.T) {
	s := newTestStore()

	_, err := s.WriteChunk("sess", 0, strings.NewReader("a"))
	require.NoError(t, err)
	_, err = s.WriteChunk("sess", 1, strings.NewReader("b"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveChunk("sess", 0))
	require.NoError(t, s.RemoveChunk("sess", 0), "removing an absent chunk is a no-op")

	ok, err := s.HasChunk("sess", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Sibling chunk is untouched.
	ok, err = s.HasChunk("sess", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveSession(t *testing.T) {
	s := newTestStore()

	_, err := s.WriteChunk("sess", 0, strings.NewReader("a"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveSession("sess"))
	require.NoError(t, s.RemoveSession("sess"), "removing an absent session is a no-op")

	ok, err := s.HasChunk("sess", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagedSessions(t *testing.T) {
	s := newTestStore()

	ids, err := s.StagedSessions()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.Provision("b"))
	require.NoError(t, s.Provision("a"))
	_, err = s.WriteChunk("c", 0, strings.NewReader("x"))
	require.NoError(t, err)

	ids, err = s.StagedSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
