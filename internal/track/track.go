// Package track maintains the dirty set: node identifiers whose local
// state has not been confirmed persisted remotely.
//
// The tracker is the single source of truth for "what must be sent next".
// It does not schedule network work itself; the sync engine's upload
// scheduler queries it and clears entries only after a confirmed write.
package track

import (
	"sync"

	"github.com/google/uuid"
)

// Tracker is a mutex-guarded dirty set. Marking has union semantics, so a
// node re-marked while an upload is in flight simply gets re-sent on the
// next cycle.
type Tracker struct {
	mu    sync.Mutex
	dirty map[uuid.UUID]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{dirty: make(map[uuid.UUID]struct{})}
}

// MarkDirty adds identifiers to the dirty set. Idempotent.
func (t *Tracker) MarkDirty(ids ...uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if id != uuid.Nil {
			t.dirty[id] = struct{}{}
		}
	}
}

// Clear removes one identifier, called after its remote write is
// confirmed.
func (t *Tracker) Clear(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dirty, id)
}

// ClearAll empties the set. Used on full data reset.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = make(map[uuid.UUID]struct{})
}

// Dirty returns a snapshot of the dirty identifiers. The copy is safe to
// iterate while other goroutines keep marking.
func (t *Tracker) Dirty() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, 0, len(t.dirty))
	for id := range t.dirty {
		out = append(out, id)
	}
	return out
}

// Contains reports whether an identifier is pending upload.
func (t *Tracker) Contains(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.dirty[id]
	return ok
}

// Len returns the number of pending identifiers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}
