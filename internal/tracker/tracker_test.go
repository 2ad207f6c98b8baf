package tracker

import (
	"testing"
	"time"

	"github.com/leakscope/leakscope/internal/pool"
	"github.com/leakscope/leakscope/internal/real"
	"github.com/leakscope/leakscope/internal/record"
)

// stubGlobal is a minimal global tracker standing in for the core.
type stubGlobal struct {
	invalidFree bool
	absorbed    map[uintptr]*record.Allocation
	peers       []Tracker
	deregs      int
}

func (g *stubGlobal) RemoveFor(origin Tracker, ptr uintptr) (bool, *record.Allocation) {
	var diagnostic *record.Allocation
	for _, peer := range g.peers {
		if peer == origin {
			continue
		}
		removed, diag := peer.TryRemove(ptr)
		if removed {
			return true, nil
		}
		if diag != nil && (diagnostic == nil || diag.MoreRecentlyDeleted(diagnostic)) {
			diagnostic = diag
		}
	}
	return false, diagnostic
}

func (g *stubGlobal) ChangeFor(origin Tracker, info *record.Allocation) {
	for _, peer := range g.peers {
		if peer == origin {
			continue
		}
		if peer.MaybeChange(info) {
			return
		}
	}
}

func (g *stubGlobal) Absorb(infos map[uintptr]*record.Allocation, store *StackStore) {
	if g.absorbed == nil {
		g.absorbed = make(map[uintptr]*record.Allocation)
	}
	for ptr, info := range infos {
		g.absorbed[ptr] = info
	}
}

func (g *stubGlobal) InvalidFreeTracking() bool { return g.invalidFree }
func (g *stubGlobal) Deregister(Tracker)        { g.deregs++ }

func newTestTracker(t *testing.T, g *stubGlobal, threadID uint64) *ThreadTracker {
	t.Helper()
	backend, err := real.New()
	if err != nil {
		t.Fatalf("real.New() failed: %v", err)
	}
	store := NewStackStore(pool.NewHandle(backend), 16)
	tr := NewThreadTracker(g, store, nil, threadID)
	g.peers = append(g.peers, tr)
	return tr
}

func mkRecord(tr *ThreadTracker, ptr, size uintptr) *record.Allocation {
	return record.New(ptr, size, tr.Store().Store([]uintptr{0x10, 0x20}), tr.ThreadID)
}

func TestAddAndTryRemove(t *testing.T) {
	g := &stubGlobal{}
	tr := newTestTracker(t, g, 1)

	t.Run("RemoveErasesWhenTrackingOff", func(t *testing.T) {
		tr.AddAlloc(mkRecord(tr, 0x1000, 16))
		removed, diag := tr.TryRemove(0x1000)
		if !removed || diag != nil {
			t.Fatalf("TryRemove = (%v, %v)", removed, diag)
		}
		if tr.Size() != 0 {
			t.Error("record should be erased with invalid-free tracking off")
		}
	})

	t.Run("UnknownPointer", func(t *testing.T) {
		removed, diag := tr.TryRemove(0xdead)
		if removed || diag != nil {
			t.Errorf("TryRemove of unknown = (%v, %v)", removed, diag)
		}
	})

	t.Run("OverwriteStaleEntry", func(t *testing.T) {
		tr.AddAlloc(mkRecord(tr, 0x2000, 8))
		tr.AddAlloc(mkRecord(tr, 0x2000, 24))
		if tr.Size() != 1 {
			t.Fatalf("tracker holds %d records, want 1", tr.Size())
		}
		removed, _ := tr.TryRemove(0x2000)
		if !removed {
			t.Error("the overwritten entry should be removable")
		}
	})
}

func TestInvalidFreeTracking(t *testing.T) {
	g := &stubGlobal{invalidFree: true}
	tr := newTestTracker(t, g, 1)

	tr.AddAlloc(mkRecord(tr, 0x1000, 16))

	t.Run("FirstRemoveMarksDeleted", func(t *testing.T) {
		removed, diag := tr.TryRemove(0x1000)
		if !removed || diag != nil {
			t.Fatalf("TryRemove = (%v, %v)", removed, diag)
		}
		if tr.Size() != 1 {
			t.Error("deleted records must be retained for diagnostics")
		}
	})

	t.Run("SecondRemoveYieldsDiagnostic", func(t *testing.T) {
		removed, diag := tr.TryRemove(0x1000)
		if removed {
			t.Fatal("a deleted record must not be removable again")
		}
		if diag == nil || !diag.Deleted || len(diag.DeletionStack) == 0 {
			t.Errorf("double free diagnostic incomplete: %+v", diag)
		}
	})

	t.Run("FinishDropsDeleted", func(t *testing.T) {
		tr.Finish()
		if len(g.absorbed) != 0 {
			t.Errorf("deleted records must not be uploaded, got %d", len(g.absorbed))
		}
	})
}

func TestCrossTrackerRemove(t *testing.T) {
	g := &stubGlobal{}
	t1 := newTestTracker(t, g, 1)
	t2 := newTestTracker(t, g, 2)

	t1.AddAlloc(mkRecord(t1, 0x4000, 100))

	removed, diag := t2.Remove(0x4000)
	if !removed || diag != nil {
		t.Fatalf("cross-tracker remove = (%v, %v)", removed, diag)
	}
	if t1.Size() != 0 {
		t.Error("the record should be gone from the owning tracker")
	}
}

func TestMostRecentDiagnosticWins(t *testing.T) {
	g := &stubGlobal{invalidFree: true}
	t1 := newTestTracker(t, g, 1)
	t2 := newTestTracker(t, g, 2)

	older := mkRecord(t1, 0x5000, 8)
	older.MarkDeleted(nil, 1, time.Now().Add(-time.Hour))
	t1.AddAlloc(older)

	newer := mkRecord(t2, 0x5000, 8)
	newer.MarkDeleted(nil, 2, time.Now())
	t2.AddAlloc(newer)

	_, diag := t1.Remove(0x5000)
	if diag == nil || diag.DeletionThreadID != 2 {
		t.Errorf("the most recently deleted diagnostic must win, got %+v", diag)
	}
}

func TestChange(t *testing.T) {
	g := &stubGlobal{}
	t1 := newTestTracker(t, g, 1)
	t2 := newTestTracker(t, g, 2)

	t.Run("LocalChange", func(t *testing.T) {
		t1.AddAlloc(mkRecord(t1, 0x6000, 8))
		t1.Change(mkRecord(t1, 0x6000, 32))
		removed, _ := t1.TryRemove(0x6000)
		if !removed {
			t.Error("changed record should still be owned locally")
		}
	})

	t.Run("ForeignChange", func(t *testing.T) {
		t1.AddAlloc(mkRecord(t1, 0x7000, 8))
		t2.Change(mkRecord(t2, 0x7000, 64))
		removed, _ := t1.TryRemove(0x7000)
		if !removed {
			t.Error("the foreign change should land in the owning tracker")
		}
	})

	t.Run("MaybeChangeMisses", func(t *testing.T) {
		if t2.MaybeChange(mkRecord(t2, 0x8000, 8)) {
			t.Error("MaybeChange must not invent records")
		}
	})
}

func TestFinishIdempotent(t *testing.T) {
	g := &stubGlobal{}
	tr := newTestTracker(t, g, 1)

	tr.AddAlloc(mkRecord(tr, 0x9000, 16))
	tr.Finish()
	if len(g.absorbed) != 1 {
		t.Fatalf("absorbed %d records, want 1", len(g.absorbed))
	}
	tr.Finish()
	if len(g.absorbed) != 1 || g.deregs != 1 {
		t.Error("a second finish must not change the global state")
	}
	if !tr.Finished() {
		t.Error("tracker should report finished")
	}
}
