package tracker

import (
	"runtime"
	"unsafe"

	"github.com/leakscope/leakscope/internal/pool"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// StackStore copies captured callstacks into pool chunks so record
// bookkeeping never allocates through a tracked path. Every stored stack has
// capacity CapFrames; the capacity doubles as the ownership marker when a
// stack is released.
type StackStore struct {
	// Pool is the shared chunk storage; merging two stores' pools keeps
	// absorbed records valid.
	Pool pool.Handle
	// CapFrames is the configured callstack depth cap.
	CapFrames int
}

// NewStackStore builds a store over the given pool handle.
func NewStackStore(p pool.Handle, capFrames int) *StackStore {
	if capFrames <= 0 {
		capFrames = 1
	}
	return &StackStore{Pool: p, CapFrames: capFrames}
}

func (s *StackStore) payload() uintptr {
	return uintptr(s.CapFrames) * wordSize
}

// Store copies pcs into a pool chunk and returns the stored stack. When the
// pool cannot grow the stack falls back to ordinary memory; such stacks are
// recognised by their capacity on release.
func (s *StackStore) Store(pcs []uintptr) []uintptr {
	n := len(pcs)
	if n > s.CapFrames {
		n = s.CapFrames
	}

	chunk := s.Pool.Get(s.payload())
	if chunk == 0 {
		out := make([]uintptr, n)
		copy(out, pcs)
		return out
	}
	buf := unsafe.Slice((*uintptr)(unsafe.Pointer(chunk)), s.CapFrames)
	copy(buf[:n], pcs)
	return buf[:n:s.CapFrames]
}

// Release returns a stored stack's chunk to the pool. Stacks that were not
// pool-backed, and nil stacks, are ignored.
func (s *StackStore) Release(stack []uintptr) {
	if stack == nil || cap(stack) != s.CapFrames {
		return
	}
	s.Pool.Put(uintptr(unsafe.Pointer(unsafe.SliceData(stack[:cap(stack)]))), s.payload())
}

// CaptureDeletion captures the callstack of a release operation, skipping
// the tracker frames above it.
func CaptureDeletion() []uintptr {
	var pcs [64]uintptr
	n := runtime.Callers(3, pcs[:])
	out := make([]uintptr, n)
	copy(out, pcs[:n])
	return out
}
