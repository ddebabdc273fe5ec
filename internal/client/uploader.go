// Package client implements the chunk scheduler driving a resumable upload:
// it hashes the source file, negotiates a session, pushes chunks with bounded
// concurrency, and supports pause/resume with per-chunk cancellation.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Gammanik/resumable-upload/internal/uperr"
	"github.com/Gammanik/resumable-upload/internal/utils"
)

// DefaultConcurrency is the chunk-transfer window used when Config leaves it
// unset.
const DefaultConcurrency = 3

// DefaultChunkSize is used when Config leaves the chunk size unset.
const DefaultChunkSize = 5 << 20

// Config configures an Uploader.
type Config struct {
	FilePath    string
	ChunkSize   int64
	Concurrency int

	// OnProgress receives the rounded percent complete after each confirmed
	// chunk. OnSuccess receives the archive path; OnError every reportable
	// failure. Cancelled transfers are never reported. All callbacks are
	// optional and must be fast or hand off to their own goroutine.
	OnProgress func(percent int)
	OnSuccess  func(archivePath string)
	OnError    func(err error)
}

// Uploader drives one file upload through the session protocol. A single
// Uploader is bound to one file; Start may be called again after a pause or
// failure to resume from the recovered chunk set.
type Uploader struct {
	tr  Transport
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	state       State
	running     bool
	paused      bool
	sessionID   string
	fileHash    string
	fileSize    int64
	totalChunks int
	uploaded    map[int]struct{}
	pending     map[int]context.CancelFunc
}

// New returns an idle Uploader for cfg. Defaults are applied for chunk size
// and concurrency.
func New(tr Transport, cfg Config) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Uploader{
		tr:       tr,
		cfg:      cfg,
		log:      zerolog.Nop(),
		state:    StateIdle,
		uploaded: make(map[int]struct{}),
		pending:  make(map[int]context.CancelFunc),
	}
}

// SetLogger installs a structured logger. The default discards everything.
func (u *Uploader) SetLogger(log zerolog.Logger) {
	u.log = log
}

// State returns the scheduler's current state.
func (u *Uploader) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SessionID returns the negotiated upload session id, if any.
func (u *Uploader) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// Start begins or resumes the upload. It returns immediately; outcomes are
// delivered through the configured callbacks. On a fresh start the file is
// hashed and a session negotiated; on resume both steps are skipped and
// scheduling continues from the recovered uploaded set.
func (u *Uploader) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("upload is already running")
	}
	switch u.state {
	case StateIdle, StatePaused, StateError:
	default:
		st := u.state
		u.mu.Unlock()
		return fmt.Errorf("cannot start upload from state %q", st)
	}
	u.running = true
	u.paused = false
	u.mu.Unlock()

	go u.run(ctx)
	return nil
}

// Resume is an alias for Start: resuming re-enters the same path, skipping
// hashing and init when a session already exists.
func (u *Uploader) Resume(ctx context.Context) error {
	return u.Start(ctx)
}

// Pause stops scheduling of new chunk transfers and cancels those in flight.
// Cancelled transfers are expected and never surface through OnError. Pause
// is only meaningful while uploading.
func (u *Uploader) Pause() {
	u.mu.Lock()
	if u.state != StateUploading {
		u.mu.Unlock()
		return
	}
	u.paused = true
	u.state = StatePaused
	cancels := make([]context.CancelFunc, 0, len(u.pending))
	for _, cancel := range u.pending {
		cancels = append(cancels, cancel)
	}
	u.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	u.log.Info().Msg("upload paused, in-flight transfers cancelled")
}

// Abort cancels the server-side session and resets the uploader to idle.
func (u *Uploader) Abort(ctx context.Context) error {
	u.Pause()

	u.mu.Lock()
	id := u.sessionID
	u.sessionID = ""
	u.fileHash = ""
	u.uploaded = make(map[int]struct{})
	u.state = StateIdle
	u.mu.Unlock()

	if id == "" {
		return nil
	}
	return u.tr.Cancel(ctx, id)
}

func (u *Uploader) run(ctx context.Context) {
	defer func() {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()

	done, err := u.prepare(ctx)
	if err != nil {
		u.fail(err)
		return
	}
	if done {
		return
	}

	u.uploadChunks(ctx)
}

// prepare hashes the file and negotiates a session on a fresh start. The
// returned done flag is true on a dedup hit, where the whole transfer is
// skipped. On resume (session already negotiated) prepare is a no-op.
func (u *Uploader) prepare(ctx context.Context) (done bool, err error) {
	u.mu.Lock()
	if u.sessionID != "" {
		u.mu.Unlock()
		return false, nil
	}
	u.state = StateHashing
	u.mu.Unlock()

	f, err := os.Open(u.cfg.FilePath)
	if err != nil {
		return false, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return false, err
	}
	hash, err := utils.CalculateFileSHA256(f)
	f.Close()
	if err != nil {
		return false, err
	}

	size := fi.Size()
	total := utils.TotalChunks(size, u.cfg.ChunkSize)

	u.mu.Lock()
	u.fileHash = hash
	u.fileSize = size
	u.totalChunks = total
	u.state = StateInit
	u.mu.Unlock()

	u.log.Info().Str("hash", hash).Int64("size", size).Int("total_chunks", total).Msg("file hashed")

	resp, err := u.tr.Init(ctx, InitRequest{
		FileName:  fileName(u.cfg.FilePath),
		FileSize:  size,
		ChunkSize: u.cfg.ChunkSize,
		FileHash:  hash,
	})
	if err != nil {
		return false, err
	}

	if resp.Exists {
		u.setState(StateDone)
		u.log.Info().Str("path", resp.FilePath).Msg("content already archived, upload skipped")
		if u.cfg.OnProgress != nil {
			u.cfg.OnProgress(100)
		}
		if u.cfg.OnSuccess != nil {
			u.cfg.OnSuccess(resp.FilePath)
		}
		return true, nil
	}

	u.mu.Lock()
	u.sessionID = resp.UploadID
	u.mu.Unlock()

	// Recover chunks already staged by a previous run of this session.
	prog, err := u.tr.Progress(ctx, resp.UploadID)
	if err != nil {
		return false, err
	}

	u.mu.Lock()
	for _, idx := range prog.UploadedChunks {
		u.uploaded[idx] = struct{}{}
	}
	u.mu.Unlock()
	return false, nil
}

// uploadChunks runs the bounded-concurrency transfer window until every
// chunk is confirmed, then merges.
func (u *Uploader) uploadChunks(ctx context.Context) {
	u.setState(StateUploading)
	u.reportProgress()

	u.mu.Lock()
	total := u.totalChunks
	u.mu.Unlock()

	f, err := os.Open(u.cfg.FilePath)
	if err != nil {
		u.fail(err)
		return
	}
	defer f.Close()

	sem := semaphore.NewWeighted(int64(u.cfg.Concurrency))
	var wg sync.WaitGroup

	var errMu sync.Mutex
	var transferErr error
	setErr := func(err error) {
		errMu.Lock()
		if transferErr == nil {
			transferErr = err
		}
		errMu.Unlock()
	}
	failed := func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return transferErr != nil
	}

	for idx := 0; idx < total; idx++ {
		if u.isPaused() || failed() {
			break
		}
		if u.hasUploaded(idx) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if u.isPaused() || failed() {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			u.transfer(ctx, f, idx, setErr)
		}(idx)
	}

	wg.Wait()

	if failed() {
		errMu.Lock()
		err := transferErr
		errMu.Unlock()
		u.fail(err)
		return
	}
	if u.isPaused() {
		// Pause already moved the state; the scheduler just drains.
		return
	}
	if ctx.Err() != nil {
		// The caller tore down the whole run; the session stays resumable.
		u.setState(StatePaused)
		return
	}

	u.merge(ctx)
}

// transfer reads one chunk from f and sends it under its own cancellation
// token. Cancellation is swallowed; any other failure is recorded and halts
// scheduling of further chunks.
func (u *Uploader) transfer(ctx context.Context, f *os.File, idx int, setErr func(error)) {
	u.mu.Lock()
	id := u.sessionID
	hash := u.fileHash
	size := u.fileSize
	u.mu.Unlock()

	offset, length := utils.ChunkRange(idx, u.cfg.ChunkSize, size)
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		setErr(uperr.TransferFailed(err))
		return
	}

	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !u.trackPending(idx, cancel) {
		// Pause raced in after dispatch; this transfer never registered, so
		// it backs out instead of completing past the pause.
		u.log.Debug().Int("chunk_index", idx).Msg("chunk transfer cancelled")
		return
	}
	defer u.untrackPending(idx)

	if err := u.tr.SendChunk(chunkCtx, id, idx, hash, buf); err != nil {
		if uperr.IsCancelled(err) || chunkCtx.Err() != nil {
			u.log.Debug().Int("chunk_index", idx).Msg("chunk transfer cancelled")
			return
		}
		u.log.Warn().Err(err).Int("chunk_index", idx).Msg("chunk transfer failed")
		setErr(err)
		return
	}

	u.markUploaded(idx)
	u.reportProgress()
}

// merge asks the server to assemble the file and reports the outcome.
func (u *Uploader) merge(ctx context.Context) {
	u.setState(StateMerging)

	u.mu.Lock()
	id := u.sessionID
	hash := u.fileHash
	u.mu.Unlock()

	res, err := u.tr.Merge(ctx, id, fileName(u.cfg.FilePath), hash)
	if err != nil {
		u.fail(err)
		return
	}

	u.setState(StateDone)
	u.log.Info().Str("path", res.FilePath).Msg("upload complete")
	if u.cfg.OnSuccess != nil {
		u.cfg.OnSuccess(res.FilePath)
	}
}

func (u *Uploader) fail(err error) {
	if uperr.IsCancelled(err) {
		// A cancelled run is not a reportable failure; the session stays
		// resumable.
		u.setState(StatePaused)
		return
	}
	u.setState(StateError)
	u.log.Error().Err(err).Msg("upload failed")
	if u.cfg.OnError != nil {
		u.cfg.OnError(err)
	}
}

func (u *Uploader) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

func (u *Uploader) isPaused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

func (u *Uploader) hasUploaded(idx int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.uploaded[idx]
	return ok
}

func (u *Uploader) markUploaded(idx int) {
	u.mu.Lock()
	u.uploaded[idx] = struct{}{}
	u.mu.Unlock()
}

// trackPending registers a transfer's cancel token. It shares the mutex with
// Pause, so a transfer either lands in Pause's cancel snapshot or is refused
// here; there is no window where one slips through and completes paused.
func (u *Uploader) trackPending(idx int, cancel context.CancelFunc) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.paused {
		return false
	}
	u.pending[idx] = cancel
	return true
}

func (u *Uploader) untrackPending(idx int) {
	u.mu.Lock()
	delete(u.pending, idx)
	u.mu.Unlock()
}

func (u *Uploader) reportProgress() {
	u.mu.Lock()
	total := u.totalChunks
	count := len(u.uploaded)
	u.mu.Unlock()

	if u.cfg.OnProgress == nil {
		return
	}
	percent := 100
	if total > 0 {
		percent = (200*count + total) / (2 * total)
		if percent > 100 {
			percent = 100
		}
	}
	u.cfg.OnProgress(percent)
}

func fileName(path string) string {
	return filepath.Base(path)
}
