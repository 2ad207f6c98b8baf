package record

import (
	"testing"
	"time"
)

func TestLeakKindPriority(t *testing.T) {
	t.Run("RuntimeBeatsEverything", func(t *testing.T) {
		for _, weaker := range []LeakKind{
			KindReachableDirect, KindGlobalDirect, KindTLSDirect,
			KindUnreachableDirect, KindUnclassified,
		} {
			if !KindRuntimeDirect.Stronger(weaker) {
				t.Errorf("runtimeDirect should be stronger than %s", weaker.DebugString())
			}
		}
	})

	t.Run("UnclassifiedIsWeakest", func(t *testing.T) {
		for kind := KindRuntimeDirect; kind < KindUnclassified; kind++ {
			if !kind.Stronger(KindUnclassified) {
				t.Errorf("%s should be stronger than unclassified", kind.DebugString())
			}
		}
	})

	t.Run("Indirect", func(t *testing.T) {
		if KindReachableDirect.Indirect() {
			t.Error("reachableDirect must not be indirect")
		}
		if !KindGlobalIndirect.Indirect() {
			t.Error("globalIndirect must be indirect")
		}
	})

	t.Run("Labels", func(t *testing.T) {
		cases := map[LeakKind]string{
			KindUnreachableDirect:   "lost",
			KindUnreachableIndirect: "via lost",
			KindReachableDirect:     "stack",
			KindTLSDirect:           "thread-local value",
			KindGlobalIndirect:      "via global",
		}
		for kind, want := range cases {
			if got := kind.String(); got != want {
				t.Errorf("%s.String() = %q, want %q", kind.DebugString(), got, want)
			}
		}
	})
}

func TestMarkDeleted(t *testing.T) {
	a := New(0x1000, 16, []uintptr{1, 2}, 3)
	if a.Deleted {
		t.Fatal("fresh record must not be deleted")
	}

	now := time.Now()
	a.MarkDeleted([]uintptr{4, 5}, 7, now)
	if !a.Deleted || a.DeletionThreadID != 7 || !a.DeletionTime.Equal(now) {
		t.Errorf("deletion context not stamped: %+v", a)
	}
}

func TestMoreRecentlyDeleted(t *testing.T) {
	base := time.Now()
	older := New(0x1000, 8, nil, 0)
	older.MarkDeleted(nil, 0, base)
	newer := New(0x2000, 8, nil, 0)
	newer.MarkDeleted(nil, 0, base.Add(time.Millisecond))

	if !newer.MoreRecentlyDeleted(older) {
		t.Error("newer deletion should compare as more recent")
	}
	if older.MoreRecentlyDeleted(newer) {
		t.Error("older deletion must not compare as more recent")
	}

	live := New(0x3000, 8, nil, 0)
	if live.MoreRecentlyDeleted(older) || older.MoreRecentlyDeleted(live) {
		t.Error("records without deletion timestamps never compare as more recent")
	}
}

func TestEnumerate(t *testing.T) {
	root := New(0x1000, 24, nil, 0)
	child1 := New(0x2000, 24, nil, 0)
	child2 := New(0x3000, 24, nil, 0)
	root.ViaMe = []*Allocation{child1, child2}
	child1.ViaMe = []*Allocation{child2}

	t.Run("CountsEachDescendantOnce", func(t *testing.T) {
		count, bytes := root.Enumerate()
		if count != 2 || bytes != 48 {
			t.Errorf("Enumerate() = (%d, %d), want (2, 48)", count, bytes)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		count, bytes := root.Enumerate()
		if count != 0 || bytes != 0 {
			t.Errorf("second Enumerate() = (%d, %d), want (0, 0)", count, bytes)
		}
	})

	t.Run("SkipsSuppressed", func(t *testing.T) {
		a := New(0x4000, 8, nil, 0)
		b := New(0x5000, 8, nil, 0)
		b.Suppressed = true
		a.ViaMe = []*Allocation{b}
		count, bytes := a.Enumerate()
		if count != 0 || bytes != 0 {
			t.Errorf("Enumerate() over suppressed = (%d, %d), want (0, 0)", count, bytes)
		}
	})
}

func TestMarkSuppressed(t *testing.T) {
	root := New(0x1000, 8, nil, 0)
	child := New(0x2000, 8, nil, 0)
	grandchild := New(0x3000, 8, nil, 0)
	root.ViaMe = []*Allocation{child}
	child.ViaMe = []*Allocation{grandchild}

	root.MarkSuppressed()
	if !root.Suppressed || !child.Suppressed || !grandchild.Suppressed {
		t.Error("suppression must propagate through the via-me graph")
	}
}
