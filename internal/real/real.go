// Package real provides the genuine allocation primitives the sanitizer
// forwards to. It hands out raw memory that is never touched by the tracking
// layer, so bookkeeping can never recurse into an interposed entry point.
package real

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapThreshold is the allocation size from which blocks are served by the
// operating system directly instead of the pinned heap.
const mmapThreshold = 128 * 1024

// Allocator is the forwarder around the real allocation primitives.
// It is effectively constant after initialisation; the internal maps are
// guarded by a single mutex and never call back into tracked entry points.
type Allocator struct {
	mu sync.Mutex

	// pinned keeps the backing storage of every live heap allocation
	// referenced so the collector cannot reclaim it while the user holds
	// the raw pointer.
	pinned map[uintptr][]byte
	// mapped tracks the mmap-backed blocks by their user address.
	mapped map[uintptr][]byte
	// sizes records the user-visible size of every live allocation.
	sizes map[uintptr]uintptr

	pageSize uintptr
}

// New initialises the forwarder and probes the underlying primitives.
// A failing probe is fatal for the caller: without the real allocator the
// sanitizer cannot operate at all.
func New() (*Allocator, error) {
	a := &Allocator{
		pinned:   make(map[uintptr][]byte),
		mapped:   make(map[uintptr][]byte),
		sizes:    make(map[uintptr]uintptr),
		pageSize: uintptr(os.Getpagesize()),
	}

	probe := a.Malloc(16)
	if probe == 0 {
		return nil, fmt.Errorf("real: allocation probe failed")
	}
	a.Free(probe)

	mapped := a.mmapAlloc(a.pageSize, a.pageSize, a.pageSize)
	if mapped == 0 {
		return nil, fmt.Errorf("real: mmap probe failed")
	}
	a.Free(mapped)
	return a, nil
}

// PageSize returns the system page size.
func (a *Allocator) PageSize() uintptr {
	return a.pageSize
}

// Malloc allocates size bytes and returns the address, or 0 on failure.
// Zero-size requests yield a valid, unique address of a one-byte block, the
// behaviour malloc implementations commonly expose.
func (a *Allocator) Malloc(size uintptr) uintptr {
	return a.alloc(size, wordSize)
}

// Calloc allocates count*size zero-initialised bytes.
// The multiplication is overflow-checked.
func (a *Allocator) Calloc(count, size uintptr) uintptr {
	if count != 0 && size != 0 && count > ^uintptr(0)/size {
		return 0
	}
	// Fresh blocks from both backends are already zeroed.
	return a.Malloc(count * size)
}

// Valloc allocates size bytes aligned to the system page size.
func (a *Allocator) Valloc(size uintptr) uintptr {
	return a.alloc(size, a.pageSize)
}

// AlignedAlloc allocates size bytes with the given alignment. The alignment
// itself is not validated here; the interposer layer owns the diagnostics.
func (a *Allocator) AlignedAlloc(alignment, size uintptr) uintptr {
	if alignment == 0 {
		alignment = wordSize
	}
	return a.alloc(size, alignment)
}

// Realloc resizes the allocation at ptr to size bytes, moving it if needed.
// A zero ptr behaves like Malloc. The returned address is 0 on failure, in
// which case the original allocation is left untouched.
func (a *Allocator) Realloc(ptr, size uintptr) uintptr {
	if ptr == 0 {
		return a.Malloc(size)
	}

	a.mu.Lock()
	oldSize, ok := a.sizes[ptr]
	if ok && size <= oldSize {
		// Shrinking reuses the block in place.
		a.sizes[ptr] = size
		a.mu.Unlock()
		return ptr
	}
	a.mu.Unlock()
	if !ok {
		return 0
	}

	newPtr := a.Malloc(size)
	if newPtr == 0 {
		return 0
	}
	copySize := oldSize
	if size < copySize {
		copySize = size
	}
	memmove(newPtr, ptr, copySize)
	a.Free(ptr)
	return newPtr
}

// Free releases the allocation at ptr. Freeing 0 is a no-op. Freeing an
// address the forwarder does not know is also a no-op: ownership checks live
// in the tracking layer, not here.
func (a *Allocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if block, ok := a.mapped[ptr]; ok {
		delete(a.mapped, ptr)
		delete(a.sizes, ptr)
		_ = unix.Munmap(block)
		return
	}
	delete(a.pinned, ptr)
	delete(a.sizes, ptr)
}

// UsableSize returns the size the allocation at ptr was created with and
// whether the forwarder owns the address.
func (a *Allocator) UsableSize(ptr uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.sizes[ptr]
	return size, ok
}

func (a *Allocator) alloc(size, alignment uintptr) uintptr {
	requested := size
	if requested == 0 {
		requested = 1
	}

	if requested >= mmapThreshold || alignment >= a.pageSize {
		return a.mmapAlloc(requested, size, alignment)
	}

	// Over-allocate so an aligned address always fits inside the block.
	block := make([]byte, requested+alignment)
	base := uintptr(unsafe.Pointer(&block[0]))
	ptr := alignUp(base, alignment)

	a.mu.Lock()
	a.pinned[ptr] = block
	a.sizes[ptr] = size
	a.mu.Unlock()
	return ptr
}

func (a *Allocator) mmapAlloc(requested, size, alignment uintptr) uintptr {
	// Mappings are page-aligned; a larger alignment needs room to shift into.
	extra := uintptr(0)
	if alignment > a.pageSize {
		extra = alignment - a.pageSize
	}
	length := int(alignUp(requested+extra, a.pageSize))
	block, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0
	}
	ptr := uintptr(unsafe.Pointer(&block[0]))
	if alignment > a.pageSize {
		ptr = alignUp(ptr, alignment)
	}

	a.mu.Lock()
	a.mapped[ptr] = block
	a.sizes[ptr] = size
	a.mu.Unlock()
	return ptr
}

const wordSize = unsafe.Sizeof(uintptr(0))

func alignUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// memmove copies size bytes between raw addresses.
func memmove(dst, src, size uintptr) {
	if size == 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	copy(dstSlice, srcSlice)
}
