// Package merge concatenates staged chunks into one output stream.
package merge

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"

	"github.com/Gammanik/resumable-upload/internal/uperr"
)

// ChunkSource is the read side of a staging area.
type ChunkSource interface {
	OpenChunk(sessionID string, index int) (billy.File, error)
}

// Run writes the logical concatenation of chunks 0..totalChunks-1 of
// sessionID to dst, in that exact order. One chunk is fully drained into dst
// before the next is opened, so memory use is constant and dst observes no
// interleaving.
//
// A chunk that vanished since the caller's precheck yields a ChunkMissing
// error; any dst failure aborts with the underlying error. Either way the
// staging area is left intact so the caller may retry from scratch.
// Returns the total bytes written.
func Run(ctx context.Context, src ChunkSource, sessionID string, totalChunks int, dst io.Writer) (int64, error) {
	var written int64

	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		f, err := src.OpenChunk(sessionID, i)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return written, uperr.ChunkMissing(i)
			}
			return written, err
		}

		n, err := io.Copy(dst, f)
		f.Close()
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
