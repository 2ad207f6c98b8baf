package leakscope

import (
	"math/bits"
	"syscall"

	"github.com/leakscope/leakscope/internal/callstack"
	"github.com/leakscope/leakscope/internal/real"
	"github.com/leakscope/leakscope/internal/record"
	"github.com/leakscope/leakscope/internal/threads"
	"github.com/leakscope/leakscope/internal/tracker"
)

// captureSkip drops the interposer frames from recorded callstacks.
const captureSkip = 3

func (s *Sanitizer) newRecord(t tracker.Tracker, ptr, size uintptr) *record.Allocation {
	pcs := callstack.Capture(captureSkip, s.behaviour.CallstackSize())
	store := s.storeFor(t)
	threadID := uint64(0)
	if tt, ok := t.(*tracker.ThreadTracker); ok {
		threadID = tt.ThreadID
	} else if info, ok := s.registry.Current(); ok {
		threadID = info.Number
	}
	return record.New(ptr, size, store.Store(pcs), threadID)
}

func (s *Sanitizer) storeFor(t tracker.Tracker) *tracker.StackStore {
	if tt, ok := t.(*tracker.ThreadTracker); ok {
		return tt.Store()
	}
	return s.core.Store()
}

func (s *Sanitizer) recordAlloc(t tracker.Tracker, ptr, size uintptr) {
	if s.behaviour.ZeroAllocation() && size == 0 {
		s.warnf("implementation-defined allocation of size 0")
	}
	t.AddAlloc(s.newRecord(t, ptr, size))
}

// Malloc allocates size bytes through the real allocator and records the
// allocation.
func (s *Sanitizer) Malloc(size uintptr) uintptr {
	ptr := s.realAlloc.Malloc(size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, size)
		})
	}
	return ptr
}

// Calloc allocates count*size zero-initialised bytes.
func (s *Sanitizer) Calloc(count, size uintptr) uintptr {
	ptr := s.realAlloc.Calloc(count, size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, count*size)
		})
	}
	return ptr
}

// Valloc allocates size bytes aligned to the page size.
func (s *Sanitizer) Valloc(size uintptr) uintptr {
	ptr := s.realAlloc.Valloc(size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, size)
		})
	}
	return ptr
}

func (s *Sanitizer) warnBadAlignment(alignment uintptr) {
	if alignment == 0 || bits.OnesCount64(uint64(alignment)) != 1 ||
		alignment%record.WordSize != 0 {
		s.warnf("allocation with invalid alignment of %d", alignment)
	}
}

// AlignedAlloc allocates size bytes with the given alignment. Suspicious
// alignments warn; the allocation is still recorded when it succeeds.
func (s *Sanitizer) AlignedAlloc(alignment, size uintptr) uintptr {
	ptr := s.realAlloc.AlignedAlloc(alignment, size)
	if !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.warnBadAlignment(alignment)
			if ptr != 0 {
				s.recordAlloc(t, ptr, size)
			}
		})
	}
	return ptr
}

// PosixMemalign stores an allocation of size bytes aligned to alignment in
// *out and returns 0, or an errno value on failure. A nil out is fatal.
func (s *Sanitizer) PosixMemalign(out *uintptr, alignment, size uintptr) int {
	if out == nil {
		s.crashForce("posix_memalign of a NULL pointer")
		return int(syscall.EINVAL)
	}

	was := *out
	ptr := s.realAlloc.AlignedAlloc(alignment, size)
	if ptr != 0 {
		*out = ptr
	}
	if !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.warnBadAlignment(alignment)
			if s.behaviour.ZeroAllocation() && size == 0 {
				s.warnf("implementation-defined allocation of size 0")
			}
			if *out != was && ptr != 0 {
				t.AddAlloc(s.newRecord(t, ptr, size))
			}
		})
	}
	if ptr == 0 {
		return int(syscall.ENOMEM)
	}
	return 0
}

// Realloc resizes the allocation at ptr. A moved block is handled as a
// release of the old record plus a fresh allocation; an in-place resize as a
// change; a zero ptr as a fresh allocation.
func (s *Sanitizer) Realloc(ptr, size uintptr) uintptr {
	if s.core.Finished() {
		return s.realAlloc.Realloc(ptr, size)
	}

	t, info := s.currentTracker()
	if info != nil {
		info.Checkpoint(threads.StackAnchor())
	}

	if tt, ok := t.(*tracker.ThreadTracker); ok {
		tt.Mu.Lock()
		defer tt.Mu.Unlock()

		ignored := tt.Ignore
		if !ignored {
			tt.Ignore = true
		}
		newPtr := s.realAlloc.Realloc(ptr, size)
		if !ignored {
			s.trackRealloc(tt, ptr, newPtr, size)
			tt.Ignore = false
		}
		return newPtr
	}

	ignored := s.core.Ignored()
	newPtr := s.realAlloc.Realloc(ptr, size)
	if !ignored {
		s.core.WithIgnore(func() {
			s.trackRealloc(t, ptr, newPtr, size)
		})
	}
	return newPtr
}

func (s *Sanitizer) trackRealloc(t tracker.Tracker, oldPtr, newPtr, size uintptr) {
	if newPtr == 0 {
		return
	}
	if newPtr != oldPtr {
		if oldPtr != 0 {
			t.Remove(oldPtr)
		}
		t.AddAlloc(s.newRecord(t, newPtr, size))
		return
	}
	t.Change(s.newRecord(t, newPtr, size))
}

// Free releases the allocation at ptr. Unknown pointers warn or crash
// depending on the invalid-free options; double frees carry the first
// release's callstack.
func (s *Sanitizer) Free(ptr uintptr) {
	if s.core.Finished() {
		s.realAlloc.Free(ptr)
		return
	}

	s.ifNotIgnored(func(t tracker.Tracker) {
		s.trackFree(t, ptr)
	})
	s.realAlloc.Free(ptr)
}

func (s *Sanitizer) trackFree(t tracker.Tracker, ptr uintptr) {
	if ptr == 0 {
		if s.behaviour.FreeNull() {
			s.warnf("free of NULL")
		}
		return
	}
	removed, diagnostic := t.Remove(ptr)
	if s.behaviour.InvalidFree() && !removed {
		s.crashOrWarn(invalidFreeMessage(ptr, diagnostic != nil), diagnostic)
	}
}

// NewZone creates a tracked allocation zone.
func (s *Sanitizer) NewZone() *real.Zone {
	return s.realAlloc.NewZone()
}

func (s *Sanitizer) requireZone(zone *real.Zone, what string) {
	if zone == nil {
		s.crashForce(what + " with NULL zone")
	}
}

// ZoneMalloc allocates size bytes owned by the zone.
func (s *Sanitizer) ZoneMalloc(zone *real.Zone, size uintptr) uintptr {
	s.requireZone(zone, "malloc")
	ptr := zone.Malloc(size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, size)
		})
	}
	return ptr
}

// ZoneCalloc allocates count*size zero-initialised zone-owned bytes.
func (s *Sanitizer) ZoneCalloc(zone *real.Zone, count, size uintptr) uintptr {
	s.requireZone(zone, "calloc")
	ptr := zone.Calloc(count, size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, count*size)
		})
	}
	return ptr
}

// ZoneValloc allocates size page-aligned zone-owned bytes.
func (s *Sanitizer) ZoneValloc(zone *real.Zone, size uintptr) uintptr {
	s.requireZone(zone, "valloc")
	ptr := zone.Valloc(size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.recordAlloc(t, ptr, size)
		})
	}
	return ptr
}

// ZoneMemalign allocates size bytes with the given alignment, zone-owned.
func (s *Sanitizer) ZoneMemalign(zone *real.Zone, alignment, size uintptr) uintptr {
	s.requireZone(zone, "memalign")
	ptr := zone.AlignedAlloc(alignment, size)
	if ptr != 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.warnBadAlignment(alignment)
			s.recordAlloc(t, ptr, size)
		})
	}
	return ptr
}

// ZoneRealloc resizes a zone-owned allocation with the usual resize
// semantics.
func (s *Sanitizer) ZoneRealloc(zone *real.Zone, ptr, size uintptr) uintptr {
	s.requireZone(zone, "realloc")
	if s.core.Finished() {
		return zone.Realloc(ptr, size)
	}

	t, info := s.currentTracker()
	if info != nil {
		info.Checkpoint(threads.StackAnchor())
	}
	if tt, ok := t.(*tracker.ThreadTracker); ok {
		tt.Mu.Lock()
		defer tt.Mu.Unlock()

		ignored := tt.Ignore
		if !ignored {
			tt.Ignore = true
		}
		newPtr := zone.Realloc(ptr, size)
		if !ignored {
			s.trackRealloc(tt, ptr, newPtr, size)
			tt.Ignore = false
		}
		return newPtr
	}

	ignored := s.core.Ignored()
	newPtr := zone.Realloc(ptr, size)
	if !ignored {
		s.core.WithIgnore(func() {
			s.trackRealloc(t, ptr, newPtr, size)
		})
	}
	return newPtr
}

// ZoneFree releases a zone-owned allocation.
func (s *Sanitizer) ZoneFree(zone *real.Zone, ptr uintptr) {
	s.requireZone(zone, "free")
	if !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			s.trackFree(t, ptr)
		})
	}
	zone.Free(ptr)
}

// ZoneBatchMalloc fills results with zone-owned allocations of size bytes
// and records each slot like a single allocation.
func (s *Sanitizer) ZoneBatchMalloc(zone *real.Zone, size uintptr, results []uintptr) int {
	s.requireZone(zone, "batch malloc")
	batched := zone.BatchMalloc(size, results)
	if batched > 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			for i := 0; i < batched; i++ {
				t.AddAlloc(s.newRecord(t, results[i], size))
			}
		})
	}
	return batched
}

// ZoneBatchFree releases every slot, applying the single-release logic to
// each.
func (s *Sanitizer) ZoneBatchFree(zone *real.Zone, ptrs []uintptr) {
	s.requireZone(zone, "batch free")
	if len(ptrs) > 0 && !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			for _, ptr := range ptrs {
				s.trackFree(t, ptr)
			}
		})
	}
	zone.BatchFree(ptrs)
}

// ZoneDestroy removes every allocation the zone still reports in use from
// the tracking maps and destroys the zone.
func (s *Sanitizer) ZoneDestroy(zone *real.Zone) {
	s.requireZone(zone, "destroy")
	if !s.core.Finished() {
		s.ifNotIgnored(func(t tracker.Tracker) {
			for _, ptr := range zone.InUse() {
				t.Remove(ptr)
			}
		})
	}
	zone.Destroy()
}
