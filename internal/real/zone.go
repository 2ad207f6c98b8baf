package real

import (
	"sort"
	"sync"
)

// Zone is a scoped allocator: every allocation made through it is owned by
// the zone and can be enumerated while the zone is alive. Destroying a zone
// releases everything it still owns.
type Zone struct {
	mu     sync.Mutex
	parent *Allocator
	inUse  map[uintptr]uintptr
	dead   bool
}

// NewZone creates a zone backed by the given forwarder.
func (a *Allocator) NewZone() *Zone {
	return &Zone{
		parent: a,
		inUse:  make(map[uintptr]uintptr),
	}
}

// Malloc allocates size bytes owned by the zone.
func (z *Zone) Malloc(size uintptr) uintptr {
	return z.adopt(z.parent.Malloc(size), size)
}

// Calloc allocates count*size zero-initialised bytes owned by the zone.
func (z *Zone) Calloc(count, size uintptr) uintptr {
	return z.adopt(z.parent.Calloc(count, size), count*size)
}

// Valloc allocates size page-aligned bytes owned by the zone.
func (z *Zone) Valloc(size uintptr) uintptr {
	return z.adopt(z.parent.Valloc(size), size)
}

// AlignedAlloc allocates size bytes with the given alignment, zone-owned.
func (z *Zone) AlignedAlloc(alignment, size uintptr) uintptr {
	return z.adopt(z.parent.AlignedAlloc(alignment, size), size)
}

// Realloc resizes a zone-owned allocation.
func (z *Zone) Realloc(ptr, size uintptr) uintptr {
	newPtr := z.parent.Realloc(ptr, size)
	if newPtr == 0 {
		return 0
	}
	z.mu.Lock()
	if ptr != 0 && newPtr != ptr {
		delete(z.inUse, ptr)
	}
	z.inUse[newPtr] = size
	z.mu.Unlock()
	return newPtr
}

// Free releases a zone-owned allocation.
func (z *Zone) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	z.mu.Lock()
	delete(z.inUse, ptr)
	z.mu.Unlock()
	z.parent.Free(ptr)
}

// BatchMalloc fills results with up to len(results) allocations of size
// bytes each and returns the number actually allocated.
func (z *Zone) BatchMalloc(size uintptr, results []uintptr) int {
	for i := range results {
		ptr := z.Malloc(size)
		if ptr == 0 {
			return i
		}
		results[i] = ptr
	}
	return len(results)
}

// BatchFree releases every non-zero pointer in the slice.
func (z *Zone) BatchFree(ptrs []uintptr) {
	for _, ptr := range ptrs {
		if ptr != 0 {
			z.Free(ptr)
		}
	}
}

// InUse returns the addresses of every allocation the zone still owns, in
// ascending order. This is the introspection surface the interposer walks
// before a zone is destroyed.
func (z *Zone) InUse() []uintptr {
	z.mu.Lock()
	defer z.mu.Unlock()

	ptrs := make([]uintptr, 0, len(z.inUse))
	for ptr := range z.inUse {
		ptrs = append(ptrs, ptr)
	}
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })
	return ptrs
}

// Destroy releases every allocation the zone still owns and marks the zone
// dead. Destroying twice is a no-op.
func (z *Zone) Destroy() {
	z.mu.Lock()
	if z.dead {
		z.mu.Unlock()
		return
	}
	z.dead = true
	owned := make([]uintptr, 0, len(z.inUse))
	for ptr := range z.inUse {
		owned = append(owned, ptr)
	}
	z.inUse = nil
	z.mu.Unlock()

	for _, ptr := range owned {
		z.parent.Free(ptr)
	}
}

// Dead reports whether the zone has been destroyed.
func (z *Zone) Dead() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.dead
}

func (z *Zone) adopt(ptr, size uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	z.mu.Lock()
	if z.dead {
		z.mu.Unlock()
		z.parent.Free(ptr)
		return 0
	}
	z.inUse[ptr] = size
	z.mu.Unlock()
	return ptr
}
