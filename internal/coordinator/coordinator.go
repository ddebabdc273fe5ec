// Package coordinator orchestrates upload sessions: it owns the init /
// receive-chunk / progress / merge / cancel lifecycle on top of the session
// registry, the chunk store, the merge engine and the content-addressed
// archive.
package coordinator

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Gammanik/resumable-upload/internal/archive"
	"github.com/Gammanik/resumable-upload/internal/chunkstore"
	"github.com/Gammanik/resumable-upload/internal/merge"
	"github.com/Gammanik/resumable-upload/internal/session"
	"github.com/Gammanik/resumable-upload/internal/uperr"
	"github.com/Gammanik/resumable-upload/internal/utils"
)

// InitResult is the outcome of InitUpload: either a fresh session id, or the
// path of an already-archived artifact when the content hash is known.
type InitResult struct {
	SessionID       string
	AlreadyArchived bool
	ArchivePath     string
}

// Progress is a point-in-time view of a session's upload state.
type Progress struct {
	Percent       int
	TotalChunks   int
	Uploaded      []int
	Missing       []int
	UploadedBytes int64
}

// Coordinator exposes the upload-session operations. Safe for concurrent
// use; multiple chunks for one session are expected to arrive in parallel.
type Coordinator struct {
	registry session.Registry
	store    *chunkstore.Store
	archive  *archive.Archive
	log      zerolog.Logger

	mergeMu sync.Mutex
	merging map[string]bool
}

// New wires a Coordinator over its collaborators.
func New(reg session.Registry, store *chunkstore.Store, arch *archive.Archive, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry: reg,
		store:    store,
		archive:  arch,
		log:      log,
		merging:  make(map[string]bool),
	}
}

// InitUpload starts a new upload session, unless the content hash is already
// archived, in which case no session is created and the existing artifact is
// returned.
func (c *Coordinator) InitUpload(fileName string, declaredSize, chunkSize int64, contentHash string) (InitResult, error) {
	if chunkSize <= 0 {
		return InitResult{}, uperr.InvalidRequest("chunk size must be positive, got %d", chunkSize)
	}
	if declaredSize < 0 {
		return InitResult{}, uperr.InvalidRequest("file size must be non-negative, got %d", declaredSize)
	}
	if !utils.IsHexDigest(contentHash) {
		return InitResult{}, uperr.InvalidRequest("file hash must be a hex-encoded SHA-256 digest")
	}

	if rec, ok, err := c.archive.Lookup(contentHash); err != nil {
		return InitResult{}, uperr.Internal("dedup lookup failed", err)
	} else if ok {
		c.log.Info().Str("hash", contentHash).Str("path", rec.Path).Msg("dedup hit, skipping upload")
		return InitResult{AlreadyArchived: true, ArchivePath: rec.Path}, nil
	}

	id := uuid.NewString()
	sess := session.New(id, fileName, declaredSize, chunkSize, contentHash)

	// Register before provisioning: the orphan sweep lists staging dirs
	// first and fetches live ids second, so a dir must never exist ahead of
	// its registry entry.
	if err := c.registry.Create(sess); err != nil {
		return InitResult{}, uperr.Internal("session registration failed", err)
	}
	if err := c.store.Provision(id); err != nil {
		c.registry.Delete(id)
		return InitResult{}, uperr.Internal("staging area creation failed", err)
	}

	c.log.Info().
		Str("upload_id", id).
		Str("file", fileName).
		Int64("size", declaredSize).
		Int("total_chunks", sess.TotalChunks).
		Msg("upload session created")
	return InitResult{SessionID: id}, nil
}

// ReceiveChunk durably stages the bytes of chunk index and records it in the
// session. Re-uploading an index overwrites the prior copy and is not an
// error. Acceptance is only signaled after the chunk is staged.
func (c *Coordinator) ReceiveChunk(sessionID string, index int, r io.Reader) error {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if index < 0 || index >= sess.TotalChunks {
		return uperr.InvalidRequest("chunk index %d out of range [0,%d)", index, sess.TotalChunks)
	}

	restaged, err := c.store.HasChunk(sessionID, index)
	if err != nil {
		return uperr.Internal("staging scan failed", err)
	}

	n, err := c.store.WriteChunk(sessionID, index, r)
	if err != nil {
		return uperr.TransferFailed(err)
	}
	if err := c.registry.MarkUploaded(sessionID, index); err != nil {
		return err
	}

	c.log.Debug().
		Str("upload_id", sessionID).
		Int("chunk_index", index).
		Int64("bytes", n).
		Bool("restaged", restaged).
		Msg("chunk staged")
	return nil
}

// AbortChunk removes one chunk's partial data, used when a client connection
// drops mid-chunk. Only the affected index is touched.
func (c *Coordinator) AbortChunk(sessionID string, index int) error {
	return c.store.RemoveChunk(sessionID, index)
}

// GetProgress reports the session's percent complete, the uploaded and
// missing index sets, and the staged byte count.
func (c *Coordinator) GetProgress(sessionID string) (Progress, error) {
	snap, err := c.registry.Snapshot(sessionID)
	if err != nil {
		return Progress{}, err
	}

	var staged int64
	for _, idx := range snap.Uploaded {
		n, err := c.store.ChunkLen(sessionID, idx)
		if err != nil {
			// A chunk removed mid-scan just drops out of the byte count.
			continue
		}
		staged += n
	}

	return Progress{
		Percent:       snap.Percent(),
		TotalChunks:   snap.TotalChunks,
		Uploaded:      snap.Uploaded,
		Missing:       snap.Missing(),
		UploadedBytes: staged,
	}, nil
}

// MergeUpload concatenates all staged chunks into the archive and tears the
// session down. The missing-index set is recomputed from disk as a final
// consistency check; an incomplete session fails with the precise missing
// list and remains resumable. Only one merge may run per session at a time.
func (c *Coordinator) MergeUpload(ctx context.Context, sessionID, fileName, contentHash string) (*archive.ArchivedFile, error) {
	snap, err := c.registry.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}

	c.mergeMu.Lock()
	if c.merging[sessionID] {
		c.mergeMu.Unlock()
		return nil, uperr.MergeInFlight(sessionID)
	}
	c.merging[sessionID] = true
	c.mergeMu.Unlock()
	defer func() {
		c.mergeMu.Lock()
		delete(c.merging, sessionID)
		c.mergeMu.Unlock()
	}()

	missing, err := c.store.Missing(sessionID, snap.TotalChunks)
	if err != nil {
		return nil, uperr.Internal("staging scan failed", err)
	}
	if len(missing) > 0 {
		return nil, uperr.Incomplete(missing)
	}

	tmp, err := c.archive.CreateTemp()
	if err != nil {
		return nil, uperr.Internal("archive temp file creation failed", err)
	}
	tmpName := tmp.Name()

	written, err := merge.Run(ctx, c.store, sessionID, snap.TotalChunks, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		c.archive.Discard(tmpName)
		c.log.Error().Err(err).Str("upload_id", sessionID).Msg("merge failed, staging kept for retry")
		return nil, err
	}

	rec, err := c.archive.Commit(tmpName, contentHash, fileName, written)
	if err != nil {
		return nil, uperr.Internal("archive commit failed", err)
	}

	if err := c.store.RemoveSession(sessionID); err != nil {
		c.log.Warn().Err(err).Str("upload_id", sessionID).Msg("staging cleanup failed after merge")
	}
	c.registry.Delete(sessionID)

	c.log.Info().
		Str("upload_id", sessionID).
		Str("hash", contentHash).
		Str("path", rec.Path).
		Int64("bytes", written).
		Msg("upload merged and archived")
	return rec, nil
}

// CancelUpload removes the staging area and the session record. Idempotent:
// cancelling an unknown or already-cancelled session is not an error.
func (c *Coordinator) CancelUpload(sessionID string) error {
	if err := c.store.RemoveSession(sessionID); err != nil {
		return uperr.Internal("staging removal failed", err)
	}
	c.registry.Delete(sessionID)
	c.log.Info().Str("upload_id", sessionID).Msg("upload cancelled")
	return nil
}

// SweepOrphans removes staging directories whose session id is no longer
// registered and returns the removed ids. The registry is the ground truth
// for liveness; a registered session is never swept, even with zero staged
// chunks.
func (c *Coordinator) SweepOrphans() ([]string, error) {
	// List disk first, then liveness: a session created mid-sweep has its
	// registry entry before its directory, so it can never look orphaned.
	staged, err := c.store.StagedSessions()
	if err != nil {
		return nil, uperr.Internal("staging scan failed", err)
	}
	live := c.registry.LiveIDs()

	var removed []string
	for _, id := range staged {
		if live[id] {
			continue
		}
		if err := c.store.RemoveSession(id); err != nil {
			c.log.Warn().Err(err).Str("upload_id", id).Msg("orphan removal failed")
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		c.log.Info().Int("count", len(removed)).Msg("swept orphaned staging areas")
	}
	return removed, nil
}
