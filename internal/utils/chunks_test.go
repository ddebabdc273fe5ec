package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		want      int
	}{
		{"exact multiple", 10 << 20, 2 << 20, 5},
		{"remainder", 10<<20 + 1, 2 << 20, 6},
		{"smaller than one chunk", 100, 1 << 20, 1},
		{"empty file", 0, 1 << 20, 0},
		{"single byte", 1, 1, 1},
		{"invalid chunk size", 100, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TotalChunks(tt.size, tt.chunkSize))
		})
	}
}

// The chunk index set must tile [0, size) exactly: no gap, no overlap.
func TestChunkRangeTilesFile(t *testing.T) {
	sizes := []int64{0, 1, 99, 1000, 1024, 1025, 4096}
	chunkSizes := []int64{1, 7, 256, 1024}

	for _, size := range sizes {
		for _, cs := range chunkSizes {
			total := TotalChunks(size, cs)

			var covered int64
			for i := 0; i < total; i++ {
				off, n := ChunkRange(i, cs, size)
				require.Equal(t, covered, off, "size=%d chunkSize=%d index=%d", size, cs, i)
				require.Greater(t, n, int64(0))
				covered += n
			}
			require.Equal(t, size, covered, "size=%d chunkSize=%d", size, cs)
		}
	}
}

func TestChunkRangeBeyondFile(t *testing.T) {
	_, n := ChunkRange(10, 1024, 100)
	assert.Zero(t, n)
}

func TestCalculateSHA256(t *testing.T) {
	// sha256("") is a fixed constant.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CalculateSHA256(nil))
	assert.Equal(t, CalculateSHA256([]byte("hello")), CalculateSHA256([]byte("hello")))
	assert.NotEqual(t, CalculateSHA256([]byte("hello")), CalculateSHA256([]byte("world")))
}

func TestIsHexDigest(t *testing.T) {
	assert.True(t, IsHexDigest(CalculateSHA256([]byte("x"))))
	assert.False(t, IsHexDigest("abc"))
	assert.False(t, IsHexDigest("zz"+CalculateSHA256([]byte("x"))[2:]))
}
