// Package tracker implements the per-thread allocation tracker and the
// capability set shared with the global tracker.
package tracker

import (
	"sync"
	"time"

	"github.com/leakscope/leakscope/internal/record"
	"github.com/leakscope/leakscope/internal/stats"
)

// Tracker is the capability set every allocation tracker provides.
type Tracker interface {
	// AddAlloc registers the record, overwriting any stale entry for the
	// same pointer.
	AddAlloc(info *record.Allocation)
	// TryRemove removes the record for ptr from this tracker only. It
	// returns whether a live record was removed; if a record exists but is
	// already deleted, it is returned as double-free diagnostic material.
	TryRemove(ptr uintptr) (bool, *record.Allocation)
	// Remove removes the record for ptr, falling through to the global
	// tracker when this tracker does not own it.
	Remove(ptr uintptr) (bool, *record.Allocation)
	// Change overwrites the registered record, falling through to the
	// global tracker when this tracker does not own the pointer.
	Change(info *record.Allocation)
	// MaybeChange overwrites the record only if this tracker owns the
	// pointer and reports whether it did.
	MaybeChange(info *record.Allocation) bool
	// Finish uploads all records to the global tracker; idempotent.
	Finish()
}

// Global is the cross-tracker routing surface of the global tracker, as seen
// from a per-thread tracker.
type Global interface {
	// RemoveFor searches the global map and every tracker except origin.
	RemoveFor(origin Tracker, ptr uintptr) (bool, *record.Allocation)
	// ChangeFor is the change counterpart of RemoveFor.
	ChangeFor(origin Tracker, info *record.Allocation)
	// Absorb merges a tracker's allocation map and pool storage into the
	// global map.
	Absorb(infos map[uintptr]*record.Allocation, store *StackStore)
	// InvalidFreeTracking reports whether deleted records are retained.
	InvalidFreeTracking() bool
	// Deregister detaches a finished tracker from the tracker set.
	Deregister(t Tracker)
}

// ThreadTracker owns the allocations first seen on one thread.
type ThreadTracker struct {
	// Mu guards the reentrancy state. Public because the interposer
	// serialises each tracked operation on it.
	Mu sync.Mutex
	// Ignore is true while the tracker itself is doing bookkeeping;
	// recursive invocations are pass-throughs for tracking purposes.
	Ignore bool

	infoMu sync.Mutex
	infos  map[uintptr]*record.Allocation

	finished bool
	global   Global
	store    *StackStore
	stats    *stats.Stats

	// ThreadID is the logical number of the owning thread.
	ThreadID uint64
}

// NewThreadTracker creates the tracker for one thread.
func NewThreadTracker(global Global, store *StackStore, st *stats.Stats, threadID uint64) *ThreadTracker {
	return &ThreadTracker{
		infos:    make(map[uintptr]*record.Allocation),
		global:   global,
		store:    store,
		stats:    st,
		ThreadID: threadID,
	}
}

// Store returns the tracker's stack storage.
func (t *ThreadTracker) Store() *StackStore {
	return t.store
}

// AddAlloc registers the record under the map mutex.
func (t *ThreadTracker) AddAlloc(info *record.Allocation) {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()

	if t.stats != nil {
		t.stats.AddAllocation(info.Size)
	}
	if stale, ok := t.infos[info.Pointer]; ok {
		t.store.Release(stale.Stack)
		t.store.Release(stale.DeletionStack)
	}
	t.infos[info.Pointer] = info
}

// TryRemove implements the tracker-local removal step.
func (t *ThreadTracker) TryRemove(ptr uintptr) (bool, *record.Allocation) {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()

	info, ok := t.infos[ptr]
	if !ok {
		return false, nil
	}
	if info.Deleted {
		return false, info
	}
	if t.stats != nil {
		t.stats.RemoveAllocation(info.Size)
	}
	if t.global.InvalidFreeTracking() {
		info.MarkDeleted(t.store.Store(CaptureDeletion()), t.ThreadID, time.Now())
	} else {
		t.store.Release(info.Stack)
		delete(t.infos, ptr)
	}
	return true, nil
}

// Remove removes the record for ptr, searching the other trackers through
// the global tracker when it is foreign. When several trackers hold deleted
// records for ptr the most recently deleted one wins as diagnostic.
func (t *ThreadTracker) Remove(ptr uintptr) (bool, *record.Allocation) {
	removed, diagnostic := t.TryRemove(ptr)
	if removed {
		return true, nil
	}

	globalRemoved, globalDiag := t.global.RemoveFor(t, ptr)
	if globalRemoved {
		return true, nil
	}
	if globalDiag != nil && diagnostic != nil {
		if globalDiag.MoreRecentlyDeleted(diagnostic) {
			return false, globalDiag
		}
		return false, diagnostic
	}
	if globalDiag != nil {
		return false, globalDiag
	}
	return false, diagnostic
}

// Change overwrites the record for info.Pointer wherever it lives.
func (t *ThreadTracker) Change(info *record.Allocation) {
	if t.MaybeChange(info) {
		return
	}
	t.global.ChangeFor(t, info)
}

// MaybeChange overwrites the record only when this tracker owns the pointer.
func (t *ThreadTracker) MaybeChange(info *record.Allocation) bool {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()

	old, ok := t.infos[info.Pointer]
	if !ok {
		return false
	}
	if t.stats != nil {
		t.stats.ReplaceAllocation(old.Size, info.Size)
	}
	t.store.Release(old.Stack)
	t.store.Release(old.DeletionStack)
	t.infos[info.Pointer] = info
	return true
}

// Finish uploads the tracker's records to the global tracker. With
// invalid-free tracking on, records marked deleted are dropped first; with it
// off, removal has already erased them. It is idempotent.
func (t *ThreadTracker) Finish() {
	t.Mu.Lock()
	defer t.Mu.Unlock()

	if t.finished {
		return
	}
	t.finished = true
	t.Ignore = true

	t.infoMu.Lock()
	defer t.infoMu.Unlock()

	if t.global.InvalidFreeTracking() {
		for ptr, info := range t.infos {
			if info.Deleted {
				t.store.Release(info.Stack)
				t.store.Release(info.DeletionStack)
				delete(t.infos, ptr)
			}
		}
	}
	t.global.Absorb(t.infos, t.store)
	t.infos = make(map[uintptr]*record.Allocation)
	t.global.Deregister(t)
}

// Finished reports whether the tracker has handed its records off.
func (t *ThreadTracker) Finished() bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	return t.finished
}

// Size returns the number of records currently held, for tests.
func (t *ThreadTracker) Size() int {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	return len(t.infos)
}
