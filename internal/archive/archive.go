// Package archive is the content-addressed final-file store. Archived files
// live under the archive root named "<sha256><ext>"; a BoltDB index maps each
// content hash to its archived record and backs the dedup lookup.
package archive

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	bolt "go.etcd.io/bbolt"
)

var archiveBucket = []byte("archive")

// ArchivedFile describes one archived artifact. At most one exists per
// content hash.
type ArchivedFile struct {
	Hash       string    `json:"hash"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// Archive stores final files on fs and their records in a bolt index.
type Archive struct {
	fs billy.Filesystem
	db *bolt.DB
}

// Open opens the archive over fs with its index database at indexPath.
func Open(fs billy.Filesystem, indexPath string) (*Archive, error) {
	db, err := bolt.Open(indexPath, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(archiveBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{fs: fs, db: db}, nil
}

// Lookup returns the archived record for hash, if one exists. An index row
// whose file has disappeared from disk is treated as absent and dropped, so
// a stale index can never fake a dedup hit.
func (a *Archive) Lookup(hash string) (*ArchivedFile, bool, error) {
	var rec *ArchivedFile
	err := a.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(archiveBucket).Get([]byte(hash))
		if data == nil {
			return nil
		}
		var f ArchivedFile
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		rec = &f
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}

	if _, err := a.fs.Stat(rec.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.dropIndex(hash)
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

func (a *Archive) dropIndex(hash string) {
	a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(archiveBucket).Delete([]byte(hash))
	})
}

// CreateTemp opens a scratch file under the archive root for merge output.
// The caller either Commits or Discards it.
func (a *Archive) CreateTemp() (billy.File, error) {
	return a.fs.TempFile(".", "merge-")
}

// Commit renames a finished merge output into place as "<hash><ext of
// fileName>" and records it in the index. Committing the same hash twice
// converges on the same artifact.
func (a *Archive) Commit(tmpName, hash, fileName string, size int64) (*ArchivedFile, error) {
	final := hash + filepath.Ext(fileName)

	if err := a.fs.Rename(tmpName, final); err != nil {
		a.fs.Remove(final)
		if err := a.fs.Rename(tmpName, final); err != nil {
			a.fs.Remove(tmpName)
			return nil, err
		}
	}

	rec := &ArchivedFile{
		Hash:       hash,
		Name:       fileName,
		Path:       final,
		Size:       size,
		ArchivedAt: time.Now(),
	}

	err := a.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(archiveBucket).Put([]byte(hash), encoded)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Discard removes an abandoned merge output.
func (a *Archive) Discard(tmpName string) {
	a.fs.Remove(tmpName)
}

// Fs exposes the archive root filesystem, for callers that serve or inspect
// archived files.
func (a *Archive) Fs() billy.Filesystem {
	return a.fs
}

// Close closes the index database.
func (a *Archive) Close() error {
	return a.db.Close()
}
