// Package session holds the in-process registry of active upload sessions.
// The registry is the single source of truth for upload progress and for
// which staging areas are live; it is not persisted across restarts.
package session

import (
	"sort"
	"time"

	"github.com/Gammanik/resumable-upload/internal/utils"
)

// Session is the immutable metadata of one in-progress upload. The mutable
// uploaded-index set is owned by the Registry and only exposed through
// Snapshot.
type Session struct {
	ID           string
	FileName     string
	DeclaredSize int64
	ChunkSize    int64
	ContentHash  string
	TotalChunks  int
	CreatedAt    time.Time
}

// Snapshot is a consistent point-in-time view of a session: its metadata plus
// a sorted copy of the uploaded chunk indices. Mutating a snapshot never
// affects registry state.
type Snapshot struct {
	Session
	Uploaded []int
}

// Missing returns the ordered complement of the uploaded set in
// [0, TotalChunks).
func (s Snapshot) Missing() []int {
	have := make(map[int]struct{}, len(s.Uploaded))
	for _, i := range s.Uploaded {
		have[i] = struct{}{}
	}
	missing := make([]int, 0, s.TotalChunks-len(s.Uploaded))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Percent returns the rounded upload percentage. A session with zero chunks
// (empty file) is complete by definition.
func (s Snapshot) Percent() int {
	if s.TotalChunks == 0 {
		return 100
	}
	// round(100 * uploaded / total) in integer arithmetic
	return (200*len(s.Uploaded) + s.TotalChunks) / (2 * s.TotalChunks)
}

// Complete reports whether every chunk index has been uploaded.
func (s Snapshot) Complete() bool {
	return len(s.Uploaded) == s.TotalChunks
}

// Registry stores upload sessions keyed by id. Implementations must be safe
// for concurrent use: multiple chunks for the same session legitimately
// arrive in parallel.
type Registry interface {
	// Create inserts a new session. The id must not already exist.
	Create(s Session) error

	// Get returns the session metadata for id.
	Get(id string) (Session, error)

	// MarkUploaded records that chunk index has been durably staged.
	// Marking the same index twice is a no-op, not an error.
	MarkUploaded(id string, index int) error

	// Snapshot returns a consistent copy of the session and its uploaded set.
	Snapshot(id string) (Snapshot, error)

	// Delete removes the session. Deleting an absent id is a no-op.
	Delete(id string)

	// LiveIDs returns the set of currently registered session ids. Used by
	// the orphan sweep as the ground truth for liveness.
	LiveIDs() map[string]bool
}

// New session metadata from init parameters.
func New(id, fileName string, declaredSize, chunkSize int64, contentHash string) Session {
	return Session{
		ID:           id,
		FileName:     fileName,
		DeclaredSize: declaredSize,
		ChunkSize:    chunkSize,
		ContentHash:  contentHash,
		TotalChunks:  utils.TotalChunks(declaredSize, chunkSize),
		CreatedAt:    time.Now(),
	}
}

func sortedIndices(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
