package leakscope

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unsafe"
)

// newSanitizer builds a sanitizer writing to a capture file and returns a
// function yielding everything written so far.
func newSanitizer(t *testing.T) (*Sanitizer, func() string) {
	t.Helper()

	san, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	san.SetExitFunc(func(int) {})

	path := filepath.Join(t.TempDir(), "out")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	san.SetOutput(f)

	return san, func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
}

// inWorker runs fn on an unregistered goroutine, keeping user pointers off
// every scanned stack.
func inWorker(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker timed out")
	}
}

func TestNoLeaks(t *testing.T) {
	san, output := newSanitizer(t)

	inWorker(t, func() {
		p := san.Malloc(128)
		san.Free(p)
	})

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Fatalf("leaks reported after balanced malloc/free: %+v", stats)
	}
	if !strings.Contains(output(), "No leaks detected.") {
		t.Errorf("report should state that nothing leaked:\n%s", output())
	}
}

func TestLostLinkedChain(t *testing.T) {
	san, output := newSanitizer(t)

	inWorker(t, func() {
		n1 := san.Malloc(24)
		n2 := san.Malloc(24)
		n3 := san.Malloc(24)
		*(*uintptr)(unsafe.Pointer(n1)) = n2
		*(*uintptr)(unsafe.Pointer(n2)) = n3
	})

	stats := san.Shutdown()
	if stats.Lost != 1 || stats.LostIndirect != 2 {
		t.Fatalf("lost = (%d, %d), want (1, 2)", stats.Lost, stats.LostIndirect)
	}
	if stats.BytesLost+stats.BytesLostIndirect != 72 {
		t.Errorf("lost bytes = %d, want 72", stats.BytesLost+stats.BytesLostIndirect)
	}
	if !strings.Contains(output(), "lost") {
		t.Errorf("report misses the lost leak:\n%s", output())
	}
}

func TestReachableViaWorkerStack(t *testing.T) {
	san, output := newSanitizer(t)

	allocated := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	san.Go("worker", func(th *Thread) {
		buf := san.Malloc(64)
		close(allocated)
		for {
			select {
			case <-release:
				san.Free(buf)
				close(finished)
				return
			default:
				th.Checkpoint()
				time.Sleep(time.Millisecond)
			}
		}
	})
	<-allocated

	stats := san.Shutdown()
	close(release)
	<-finished

	if stats.Stack != 1 || stats.BytesStack != 64 {
		t.Fatalf("stack = (%d, %d bytes), want (1, 64)", stats.Stack, stats.BytesStack)
	}
	if !strings.Contains(output(), "worker") {
		t.Errorf("the leak should carry the worker's thread annotation:\n%s", output())
	}
}

func TestCrossThreadFree(t *testing.T) {
	san, output := newSanitizer(t)

	handoff := make(chan uintptr, 1)
	t1Done := make(chan struct{})
	t2Done := make(chan struct{})

	san.Go("t1", func(th *Thread) {
		handoff <- san.Malloc(100)
		close(t1Done)
	})
	san.Go("t2", func(th *Thread) {
		san.Free(<-handoff)
		close(t2Done)
	})
	<-t1Done
	<-t2Done

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Fatalf("cross-thread free should leave no leak: %+v", stats)
	}
	if strings.Contains(output(), "Invalid free") {
		t.Errorf("the cross-tracker search should have found the record:\n%s", output())
	}
}

func TestDoubleFreeWarns(t *testing.T) {
	t.Setenv("LEAKSCOPE_INVALID_FREE", "true")
	san, output := newSanitizer(t)

	inWorker(t, func() {
		p := san.Malloc(8)
		san.Free(p)
		san.Free(p)
	})

	stats := san.Shutdown()
	out := output()
	if !strings.Contains(out, "Double free") {
		t.Errorf("double free warning missing:\n%s", out)
	}
	if !strings.Contains(out, "Previously freed here:") {
		t.Errorf("the first release's callstack must be referenced:\n%s", out)
	}
	if stats.Total() != 0 {
		t.Errorf("a freed allocation must not be reported as leak: %+v", stats)
	}
}

func TestInvalidFreeUnknownPointer(t *testing.T) {
	t.Setenv("LEAKSCOPE_INVALID_FREE", "true")
	san, output := newSanitizer(t)

	inWorker(t, func() {
		san.Free(0xdeadbeef0)
	})

	if !strings.Contains(output(), "Invalid free") {
		t.Errorf("unknown pointer release should warn:\n%s", output())
	}
	san.Shutdown()
}

func TestFreeNull(t *testing.T) {
	t.Run("SilentByDefault", func(t *testing.T) {
		san, output := newSanitizer(t)
		san.Free(0)
		san.Shutdown()
		if strings.Contains(output(), "NULL") {
			t.Errorf("free of null should be silent by default:\n%s", output())
		}
	})

	t.Run("WarnsWhenEnabled", func(t *testing.T) {
		t.Setenv("LEAKSCOPE_FREE_NULL", "true")
		san, output := newSanitizer(t)
		san.Free(0)
		if !strings.Contains(output(), "free of NULL") {
			t.Errorf("free-null warning missing:\n%s", output())
		}
		san.Shutdown()
	})
}

func TestZeroSizeAllocationWarns(t *testing.T) {
	t.Setenv("LEAKSCOPE_ZERO_ALLOCATION", "true")
	san, output := newSanitizer(t)

	inWorker(t, func() {
		p := san.Malloc(0)
		san.Free(p)
	})

	if !strings.Contains(output(), "size 0") {
		t.Errorf("zero-size warning missing:\n%s", output())
	}
	san.Shutdown()
}

func TestAlignedAllocDiagnostics(t *testing.T) {
	san, output := newSanitizer(t)

	inWorker(t, func() {
		p := san.AlignedAlloc(24, 64) // not a power of two
		if p != 0 {
			san.Free(p)
		}
	})

	if !strings.Contains(output(), "invalid alignment") {
		t.Errorf("alignment warning missing:\n%s", output())
	}
	san.Shutdown()
}

func TestPosixMemalign(t *testing.T) {
	san, _ := newSanitizer(t)

	inWorker(t, func() {
		var out uintptr
		if rc := san.PosixMemalign(&out, 64, 128); rc != 0 || out == 0 {
			t.Errorf("PosixMemalign = %d, out = %#x", rc, out)
		}
		if out%64 != 0 {
			t.Errorf("result %#x not aligned", out)
		}
		san.Free(out)
	})

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Errorf("freed aligned allocation reported as leak: %+v", stats)
	}
}

func TestReallocSemantics(t *testing.T) {
	t.Setenv("LEAKSCOPE_INVALID_FREE", "true")
	san, output := newSanitizer(t)

	inWorker(t, func() {
		// Null input behaves like a fresh allocation.
		p := san.Realloc(0, 64)
		if p == 0 {
			t.Error("realloc(0, n) should allocate")
		}

		// Shrinking resizes in place: the record is changed, not recycled.
		q := san.Realloc(p, 32)
		if q != p {
			t.Errorf("shrinking realloc moved the block: %#x -> %#x", p, q)
		}

		// Growing moves: the old record is released, a new one recorded.
		r := san.Realloc(q, 128*1024)
		if r == 0 || r == q {
			t.Errorf("growing realloc should move, got %#x", r)
		}
		san.Free(r)
	})

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Fatalf("balanced realloc chain reported leaks: %+v", stats)
	}
	if strings.Contains(output(), "Invalid free") {
		t.Errorf("tracking lost a record across realloc:\n%s", output())
	}
}

func TestZones(t *testing.T) {
	san, _ := newSanitizer(t)

	t.Run("DestroyRemovesTracking", func(t *testing.T) {
		inWorker(t, func() {
			zone := san.NewZone()
			san.ZoneMalloc(zone, 40)
			san.ZoneCalloc(zone, 4, 8)
			san.ZoneDestroy(zone)
		})
	})

	t.Run("BatchOperations", func(t *testing.T) {
		inWorker(t, func() {
			zone := san.NewZone()
			slots := make([]uintptr, 4)
			if n := san.ZoneBatchMalloc(zone, 16, slots); n != 4 {
				t.Errorf("batch allocated %d, want 4", n)
			}
			san.ZoneBatchFree(zone, slots)
			san.ZoneDestroy(zone)
		})
	})

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Errorf("zone-scoped allocations leaked past destroy: %+v", stats)
	}
}

func TestSuppressionByFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supp.json")
	rule := `[{"name": "known leaker", "size": 40, "functions": [{"libraryRegex": ".*"}]}]`
	if err := os.WriteFile(path, []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEAKSCOPE_SUPPRESSION_FILES", path)

	san, output := newSanitizer(t)

	inWorker(t, func() {
		san.Malloc(40) // never released; covered by the suppression
	})

	stats := san.Shutdown()
	if stats.Total() != 0 {
		t.Fatalf("the suppressed leak still counts: %+v", stats)
	}
	if stats.SuppressedCount == 0 {
		t.Error("the suppression diagnostic counter should show the hit")
	}
	if !strings.Contains(output(), "No leaks detected.") {
		t.Errorf("summary should show zero reported leaks:\n%s", output())
	}
}

func TestExitRunsTeardownOnce(t *testing.T) {
	san, output := newSanitizer(t)

	codes := make(chan int, 1)
	san.SetExitFunc(func(code int) { codes <- code })

	inWorker(t, func() {
		san.Malloc(16)
	})

	san.Exit(7)
	if code := <-codes; code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	first := output()
	if !strings.Contains(first, "Summary:") {
		t.Errorf("exit must produce the report:\n%s", first)
	}

	// A second shutdown must not classify again.
	san.Shutdown()
	if output() != first {
		t.Error("teardown ran twice")
	}
}

func TestLateAllocationsAreNotTracked(t *testing.T) {
	san, _ := newSanitizer(t)

	san.Shutdown()
	inWorker(t, func() {
		p := san.Malloc(32)
		if p == 0 {
			t.Error("allocation after teardown should still be served")
		}
		san.Free(p)
	})
}

func TestTLSValues(t *testing.T) {
	san, _ := newSanitizer(t)

	destroyed := make(chan uintptr, 1)
	key, ok := san.CreateTLSKey(func(v uintptr) { destroyed <- v })
	if !ok {
		t.Fatal("key creation failed")
	}

	san.Go("tls-worker", func(th *Thread) {
		if !san.SetTLSValue(key, 99) {
			t.Error("TLS set failed in a tracked thread")
		}
		if san.TLSValue(key) != 99 {
			t.Error("TLS value lost")
		}
	})

	select {
	case v := <-destroyed:
		if v != 99 {
			t.Errorf("TLS destructor saw %d, want 99", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("the TLS destructor never ran at thread exit")
	}
	san.Shutdown()
}
