// Package pool implements the slab allocator backing the tracker's own
// storage. Chunks come from blocks obtained through the real-allocator
// forwarder, so building a record never re-enters a tracked entry point.
//
// Only pointer-free payloads may live in pool chunks: the memory is invisible
// to the garbage collector.
package pool

import (
	"sync"
	"unsafe"

	"github.com/leakscope/leakscope/internal/real"
)

const (
	// initialBlockChunks is the chunk count of the first block of a pool.
	initialBlockChunks = 64
	// maxBlockChunks caps the geometric block growth.
	maxBlockChunks = 4096
)

// headerSize is the space reserved at the start of every chunk for the
// freelist links while the chunk is free.
var headerSize = unsafe.Sizeof(freeChunk{})

// freeChunk is the view of an unused chunk: a doubly-linked freelist node
// stored inside the chunk memory itself.
type freeChunk struct {
	next uintptr
	prev uintptr
}

// block is one contiguous slab of chunks.
type block struct {
	base   uintptr
	size   uintptr
	chunks uintptr
	free   uintptr
}

// ObjectPool hands out fixed-size chunks from geometrically growing blocks.
type ObjectPool struct {
	chunkSize  uintptr
	nextChunks uintptr
	head       uintptr
	blocks     []*block
	backend    *real.Allocator
}

// NewObjectPool creates a pool for chunks of the given payload size.
func NewObjectPool(backend *real.Allocator, payloadSize uintptr) *ObjectPool {
	chunkSize := payloadSize
	if chunkSize < headerSize {
		chunkSize = headerSize
	}
	chunkSize = alignUp(chunkSize, unsafe.Sizeof(uintptr(0)))
	return &ObjectPool{
		chunkSize:  chunkSize,
		nextChunks: initialBlockChunks,
		backend:    backend,
	}
}

// ChunkSize returns the usable size of every chunk of this pool.
func (p *ObjectPool) ChunkSize() uintptr {
	return p.chunkSize
}

// Get removes a chunk from the freelist, growing the pool if it is empty.
// It returns 0 only if the backend refuses to hand out a new block.
func (p *ObjectPool) Get() uintptr {
	if p.head == 0 && !p.grow() {
		return 0
	}
	ptr := p.head
	p.unlink(ptr)
	if b := p.owner(ptr); b != nil {
		b.free--
	}
	return ptr
}

// Put returns a chunk to the freelist. When every chunk of the owning block
// is free again the whole block goes back to the backend.
func (p *ObjectPool) Put(ptr uintptr) {
	b := p.owner(ptr)
	if b == nil {
		return
	}
	p.link(ptr)
	b.free++
	if b.free == b.chunks {
		p.release(b)
	}
}

// Merge moves every block and free chunk of other into this pool. The other
// pool is left empty. Both pools must share the chunk size.
func (p *ObjectPool) Merge(other *ObjectPool) {
	if other == p || other == nil || other.chunkSize != p.chunkSize {
		return
	}
	for other.head != 0 {
		chunk := other.head
		other.unlink(chunk)
		p.link(chunk)
	}
	p.blocks = append(p.blocks, other.blocks...)
	other.blocks = nil
	other.head = 0
}

// Blocks returns the number of live blocks, for introspection and tests.
func (p *ObjectPool) Blocks() int {
	return len(p.blocks)
}

func (p *ObjectPool) grow() bool {
	chunks := p.nextChunks
	base := p.backend.Malloc(chunks * p.chunkSize)
	if base == 0 {
		return false
	}
	if p.nextChunks < maxBlockChunks {
		p.nextChunks *= 2
		if p.nextChunks > maxBlockChunks {
			p.nextChunks = maxBlockChunks
		}
	}
	b := &block{base: base, size: chunks * p.chunkSize, chunks: chunks}
	p.blocks = append(p.blocks, b)
	for i := uintptr(0); i < chunks; i++ {
		p.link(base + i*p.chunkSize)
	}
	b.free = chunks
	return true
}

func (p *ObjectPool) link(ptr uintptr) {
	node := (*freeChunk)(unsafe.Pointer(ptr))
	node.prev = 0
	node.next = p.head
	if p.head != 0 {
		(*freeChunk)(unsafe.Pointer(p.head)).prev = ptr
	}
	p.head = ptr
}

func (p *ObjectPool) unlink(ptr uintptr) {
	node := (*freeChunk)(unsafe.Pointer(ptr))
	if node.prev != 0 {
		(*freeChunk)(unsafe.Pointer(node.prev)).next = node.next
	} else {
		p.head = node.next
	}
	if node.next != 0 {
		(*freeChunk)(unsafe.Pointer(node.next)).prev = node.prev
	}
	node.next = 0
	node.prev = 0
}

func (p *ObjectPool) owner(ptr uintptr) *block {
	for _, b := range p.blocks {
		if ptr >= b.base && ptr < b.base+b.size {
			return b
		}
	}
	return nil
}

func (p *ObjectPool) release(b *block) {
	// Unlink every chunk of the block before handing it back.
	for i := uintptr(0); i < b.chunks; i++ {
		p.unlink(b.base + i*b.chunkSize())
	}
	for i, candidate := range p.blocks {
		if candidate == b {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			break
		}
	}
	p.backend.Free(b.base)
}

func (b *block) chunkSize() uintptr {
	return b.size / b.chunks
}

func alignUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}

// Handle is a shared reference to a set of per-size pools. Copies of a handle
// address the same backing storage, so container moves and rebinds keep every
// previously returned chunk valid. Merging two handles unifies their pools.
type Handle struct {
	shared *sharedPools
}

type sharedPools struct {
	mu      sync.Mutex
	backend *real.Allocator
	pools   map[uintptr]*ObjectPool
}

// NewHandle creates an empty pool set over the given backend.
func NewHandle(backend *real.Allocator) Handle {
	return Handle{shared: &sharedPools{
		backend: backend,
		pools:   make(map[uintptr]*ObjectPool),
	}}
}

// Valid reports whether the handle is bound to storage.
func (h Handle) Valid() bool {
	return h.shared != nil
}

// Get hands out a chunk able to hold payloadSize bytes.
func (h Handle) Get(payloadSize uintptr) uintptr {
	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool(payloadSize).Get()
}

// Put returns a chunk previously obtained with the same payload size.
func (h Handle) Put(ptr, payloadSize uintptr) {
	if ptr == 0 {
		return
	}
	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool(payloadSize).Put(ptr)
}

// Merge folds the storage of other into this handle. Chunks handed out by
// other remain valid and must be returned through this handle afterwards.
func (h Handle) Merge(other Handle) {
	if other.shared == nil || other.shared == h.shared {
		return
	}
	s := h.shared
	o := other.shared
	s.mu.Lock()
	o.mu.Lock()
	for size, op := range o.pools {
		s.pool(size).Merge(op)
	}
	o.pools = make(map[uintptr]*ObjectPool)
	o.mu.Unlock()
	s.mu.Unlock()
}

func (s *sharedPools) pool(payloadSize uintptr) *ObjectPool {
	probe := NewObjectPool(s.backend, payloadSize)
	if existing, ok := s.pools[probe.ChunkSize()]; ok {
		return existing
	}
	s.pools[probe.ChunkSize()] = probe
	return probe
}
