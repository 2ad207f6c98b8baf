package real

import (
	"testing"
	"unsafe"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

func TestAllocator(t *testing.T) {
	a := newAllocator(t)

	t.Run("BasicAllocation", func(t *testing.T) {
		ptr := a.Malloc(1024)
		if ptr == 0 {
			t.Fatal("allocation failed")
		}
		data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 1024)
		for i := range data {
			data[i] = byte(i % 256)
		}
		for i := range data {
			if data[i] != byte(i%256) {
				t.Fatalf("data corruption at index %d", i)
			}
		}
		a.Free(ptr)
	})

	t.Run("ZeroSizeAllocation", func(t *testing.T) {
		ptr := a.Malloc(0)
		if ptr == 0 {
			t.Fatal("zero-size allocation should yield a valid address")
		}
		if size, ok := a.UsableSize(ptr); !ok || size != 0 {
			t.Errorf("UsableSize = (%d, %v), want (0, true)", size, ok)
		}
		a.Free(ptr)
	})

	t.Run("CallocZeroes", func(t *testing.T) {
		ptr := a.Calloc(16, 8)
		if ptr == 0 {
			t.Fatal("calloc failed")
		}
		data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 128)
		for i, b := range data {
			if b != 0 {
				t.Fatalf("byte %d not zeroed", i)
			}
		}
		a.Free(ptr)
	})

	t.Run("CallocOverflow", func(t *testing.T) {
		if ptr := a.Calloc(^uintptr(0)/2, 4); ptr != 0 {
			t.Error("overflowing calloc should fail")
		}
	})

	t.Run("VallocPageAligned", func(t *testing.T) {
		ptr := a.Valloc(100)
		if ptr == 0 {
			t.Fatal("valloc failed")
		}
		if ptr%a.PageSize() != 0 {
			t.Errorf("valloc result %#x not page aligned", ptr)
		}
		a.Free(ptr)
	})

	t.Run("AlignedAlloc", func(t *testing.T) {
		ptr := a.AlignedAlloc(64, 200)
		if ptr == 0 {
			t.Fatal("aligned alloc failed")
		}
		if ptr%64 != 0 {
			t.Errorf("result %#x not 64-byte aligned", ptr)
		}
		a.Free(ptr)
	})

	t.Run("ReallocPreservesData", func(t *testing.T) {
		ptr := a.Malloc(64)
		data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 64)
		for i := range data {
			data[i] = byte(i)
		}

		newPtr := a.Realloc(ptr, 256)
		if newPtr == 0 {
			t.Fatal("realloc failed")
		}
		grown := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), 256)
		for i := 0; i < 64; i++ {
			if grown[i] != byte(i) {
				t.Fatalf("data lost at index %d", i)
			}
		}
		a.Free(newPtr)
	})

	t.Run("ReallocShrinksInPlace", func(t *testing.T) {
		ptr := a.Malloc(128)
		if got := a.Realloc(ptr, 16); got != ptr {
			t.Errorf("shrinking realloc moved the block: %#x -> %#x", ptr, got)
		}
		if size, ok := a.UsableSize(ptr); !ok || size != 16 {
			t.Errorf("UsableSize after shrink = (%d, %v), want (16, true)", size, ok)
		}
		a.Free(ptr)
	})

	t.Run("ReallocNullActsAsMalloc", func(t *testing.T) {
		ptr := a.Realloc(0, 32)
		if ptr == 0 {
			t.Fatal("realloc(0, n) should allocate")
		}
		a.Free(ptr)
	})

	t.Run("LargeAllocationUsesMmap", func(t *testing.T) {
		ptr := a.Malloc(mmapThreshold * 2)
		if ptr == 0 {
			t.Fatal("large allocation failed")
		}
		if _, ok := a.mapped[ptr]; !ok {
			t.Error("large allocation should be mmap-backed")
		}
		a.Free(ptr)
	})

	t.Run("FreeNullIsNoop", func(t *testing.T) {
		a.Free(0)
	})
}

func TestZone(t *testing.T) {
	a := newAllocator(t)

	t.Run("InUseEnumeration", func(t *testing.T) {
		z := a.NewZone()
		p1 := z.Malloc(16)
		p2 := z.Malloc(32)
		if p1 == 0 || p2 == 0 {
			t.Fatal("zone allocation failed")
		}

		inUse := z.InUse()
		if len(inUse) != 2 {
			t.Fatalf("InUse() returned %d entries, want 2", len(inUse))
		}

		z.Free(p1)
		if got := z.InUse(); len(got) != 1 || got[0] != p2 {
			t.Errorf("InUse() after free = %v, want [%#x]", got, p2)
		}
		z.Destroy()
	})

	t.Run("DestroyReleasesEverything", func(t *testing.T) {
		z := a.NewZone()
		ptr := z.Malloc(64)
		z.Destroy()
		if !z.Dead() {
			t.Error("zone should be dead after destroy")
		}
		if _, ok := a.UsableSize(ptr); ok {
			t.Error("zone-owned allocation should be released on destroy")
		}
		// Destroying twice is a no-op.
		z.Destroy()
	})

	t.Run("AllocAfterDestroyFails", func(t *testing.T) {
		z := a.NewZone()
		z.Destroy()
		if ptr := z.Malloc(8); ptr != 0 {
			t.Error("allocation from a dead zone should fail")
		}
	})

	t.Run("Batch", func(t *testing.T) {
		z := a.NewZone()
		defer z.Destroy()

		results := make([]uintptr, 8)
		n := z.BatchMalloc(24, results)
		if n != 8 {
			t.Fatalf("BatchMalloc allocated %d, want 8", n)
		}
		if len(z.InUse()) != 8 {
			t.Fatalf("zone should own 8 allocations")
		}
		z.BatchFree(results)
		if len(z.InUse()) != 0 {
			t.Error("batch free should release every slot")
		}
	})
}
