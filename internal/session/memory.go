package session

import (
	"fmt"
	"sync"

	"github.com/Gammanik/resumable-upload/internal/uperr"
)

type record struct {
	meta     Session
	uploaded map[int]struct{}
}

// MemoryRegistry is the in-process Registry implementation. A single RWMutex
// guards the session map and every uploaded-index set; chunk uploads for the
// same session serialize on it.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*record),
	}
}

// Create inserts a new session.
func (r *MemoryRegistry) Create(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %q already exists", s.ID)
	}
	r.sessions[s.ID] = &record{
		meta:     s,
		uploaded: make(map[int]struct{}),
	}
	return nil
}

// Get returns the session metadata for id.
func (r *MemoryRegistry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, uperr.SessionNotFound(id)
	}
	return rec.meta, nil
}

// MarkUploaded records chunk index as staged. Duplicate indices are a no-op.
func (r *MemoryRegistry) MarkUploaded(id string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return uperr.SessionNotFound(id)
	}
	if index < 0 || index >= rec.meta.TotalChunks {
		return uperr.InvalidRequest("chunk index %d out of range [0,%d)", index, rec.meta.TotalChunks)
	}
	rec.uploaded[index] = struct{}{}
	return nil
}

// Snapshot returns a consistent copy of the session and its uploaded set.
func (r *MemoryRegistry) Snapshot(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, uperr.SessionNotFound(id)
	}
	return Snapshot{
		Session:  rec.meta,
		Uploaded: sortedIndices(rec.uploaded),
	}, nil
}

// Delete removes the session if present.
func (r *MemoryRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// LiveIDs returns the set of registered session ids.
func (r *MemoryRegistry) LiveIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		ids[id] = true
	}
	return ids
}
