// Package chunkstore manages the on-disk staging area for upload sessions.
// The staging root holds one directory per session id; each staged chunk is
// a file named by its index with a ".chunk" suffix.
package chunkstore

import (
	"errors"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const chunkSuffix = ".chunk"

// Store is the staging area for chunk blobs, keyed by (sessionID, index).
// Writes to distinct indices never conflict; a repeated write to the same
// index is last-writer-wins.
type Store struct {
	fs billy.Filesystem
}

// New returns a Store rooted at fs. Use osfs for production and memfs in
// tests.
func New(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

func chunkName(index int) string {
	return strconv.Itoa(index) + chunkSuffix
}

func (s *Store) chunkPath(sessionID string, index int) string {
	return s.fs.Join(sessionID, chunkName(index))
}

// Provision creates the staging directory for a session.
func (s *Store) Provision(sessionID string) error {
	return s.fs.MkdirAll(sessionID, 0o755)
}

// WriteChunk stages the bytes of chunk index for sessionID. The data is
// written to a temporary file and renamed into place, so a concurrent reader
// never observes a partially written chunk. Returns the number of bytes
// staged.
func (s *Store) WriteChunk(sessionID string, index int, r io.Reader) (int64, error) {
	if err := s.fs.MkdirAll(sessionID, 0o755); err != nil {
		return 0, err
	}

	tmp, err := s.fs.TempFile(sessionID, chunkName(index)+".")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return 0, err
	}

	final := s.chunkPath(sessionID, index)
	if err := s.fs.Rename(tmpName, final); err != nil {
		// Some backends refuse to rename onto an existing file; re-uploading
		// the same index must still win.
		s.fs.Remove(final)
		if err := s.fs.Rename(tmpName, final); err != nil {
			s.fs.Remove(tmpName)
			return 0, err
		}
	}
	return n, nil
}

// HasChunk reports whether chunk index is staged for sessionID.
func (s *Store) HasChunk(sessionID string, index int) (bool, error) {
	_, err := s.fs.Stat(s.chunkPath(sessionID, index))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// ChunkLen returns the staged size of chunk index.
func (s *Store) ChunkLen(sessionID string, index int) (int64, error) {
	fi, err := s.fs.Stat(s.chunkPath(sessionID, index))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// OpenChunk opens the staged chunk for reading. The caller closes it.
func (s *Store) OpenChunk(sessionID string, index int) (billy.File, error) {
	return s.fs.Open(s.chunkPath(sessionID, index))
}

// Missing scans the staging directory and returns the ordered list of chunk
// indices in [0, total) with no staged file. This is a disk-truth check,
// independent of any in-memory bookkeeping.
func (s *Store) Missing(sessionID string, total int) ([]int, error) {
	entries, err := s.fs.ReadDir(sessionID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No staging directory at all: everything is missing.
			missing := make([]int, total)
			for i := range missing {
				missing[i] = i
			}
			return missing, nil
		}
		return nil, err
	}

	staged := make(map[int]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(chunkSuffix) || name[len(name)-len(chunkSuffix):] != chunkSuffix {
			continue
		}
		idx, err := strconv.Atoi(name[:len(name)-len(chunkSuffix)])
		if err != nil {
			continue
		}
		staged[idx] = struct{}{}
	}

	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := staged[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// RemoveChunk deletes one staged chunk. Removing an absent chunk is a no-op.
func (s *Store) RemoveChunk(sessionID string, index int) error {
	err := s.fs.Remove(s.chunkPath(sessionID, index))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveSession deletes the whole staging directory for a session.
// Removing an absent session is a no-op.
func (s *Store) RemoveSession(sessionID string) error {
	err := util.RemoveAll(s.fs, sessionID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// StagedSessions returns the session ids that currently have a staging
// directory, sorted for deterministic sweeps.
func (s *Store) StagedSessions() ([]string, error) {
	entries, err := s.fs.ReadDir(".")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
