// Package threads keeps the registry of every tracked thread: its logical
// number, stack bounds, thread-local storage block, and the cooperative
// suspend protocol the reachability scanner drives.
package threads

import (
	"sync"
	"time"
	"unsafe"
)

// TLSWords is the size of a thread's thread-local storage block in machine
// words. The block is the thread-control-block analogue the TLS scan walks.
const TLSWords = 256

// ackTimeout bounds how long the scanner waits for a thread to reach a
// checkpoint before it is noted as failed and skipped.
const ackTimeout = 250 * time.Millisecond

// Info describes one tracked thread.
type Info struct {
	// Number is the logical thread number; 0 is the main thread.
	Number uint64
	// Goroutine is the runtime identifier the registry keys on.
	Goroutine uint64
	// Name is an optional human-readable thread name.
	Name string

	// StackTop is the highest scanned stack address; the stack grows from
	// StackTop downward toward StackTop-StackSize.
	StackTop uintptr
	// StackSize is the scanned stack window in bytes.
	StackSize uintptr

	mu sync.Mutex
	// lastSP is the most recently published stack pointer.
	lastSP uintptr
	dead   bool

	// tls is the thread-local storage block. Values are machine words; the
	// garbage collector never sees them, so only pointer-free payloads or
	// addresses of tracked allocations belong here.
	tls [TLSWords]uintptr

	// Suspend protocol. suspend is closed to request a hold; the thread
	// publishes its stack pointer on ack and parks until release is closed.
	holdMu  sync.Mutex
	suspend chan struct{}
	ack     chan uintptr
	release chan struct{}
}

// NewInfo builds the descriptor for a thread whose stack top has been probed
// at entry.
func NewInfo(number, goroutine uint64, name string, stackTop, stackSize uintptr) *Info {
	return &Info{
		Number:    number,
		Goroutine: goroutine,
		Name:      name,
		StackTop:  stackTop,
		StackSize: stackSize,
	}
}

// Dead reports whether the thread has exited. Dead entries are tombstones;
// their numbers are never reused.
func (i *Info) Dead() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dead
}

// Kill marks the thread dead.
func (i *Info) Kill() {
	i.mu.Lock()
	i.dead = true
	i.mu.Unlock()
}

// LastStackPointer returns the most recently published stack pointer. A
// thread that never reached a checkpoint has no observed window; the stack
// top is returned so its scan range is empty.
func (i *Info) LastStackPointer() uintptr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lastSP == 0 {
		return i.StackTop
	}
	return i.lastSP
}

// TLSBase returns the first address of the thread's TLS block.
func (i *Info) TLSBase() uintptr {
	return uintptr(unsafe.Pointer(&i.tls[0]))
}

// TLSLimit returns the first address past the thread's TLS block.
func (i *Info) TLSLimit() uintptr {
	return i.TLSBase() + TLSWords*unsafe.Sizeof(uintptr(0))
}

// TLSGet reads the TLS slot for the given key.
func (i *Info) TLSGet(key int) uintptr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if key < 0 || key >= TLSWords {
		return 0
	}
	return i.tls[key]
}

// TLSSet writes the TLS slot for the given key.
func (i *Info) TLSSet(key int, value uintptr) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if key < 0 || key >= TLSWords {
		return false
	}
	i.tls[key] = value
	return true
}

// RequestHold asks the thread to park at its next checkpoint. It returns the
// published stack pointer and whether the thread acknowledged in time.
func (i *Info) RequestHold() (uintptr, bool) {
	i.holdMu.Lock()
	if i.suspend != nil {
		// Already held.
		i.holdMu.Unlock()
		return i.LastStackPointer(), true
	}
	i.suspend = make(chan struct{})
	i.ack = make(chan uintptr, 1)
	i.release = make(chan struct{})
	suspend, ack := i.suspend, i.ack
	i.holdMu.Unlock()

	close(suspend)

	select {
	case sp := <-ack:
		i.mu.Lock()
		i.lastSP = sp
		i.mu.Unlock()
		return sp, true
	case <-time.After(ackTimeout):
		// Withdraw the request so the thread does not park at a later
		// checkpoint with nobody left to release it.
		i.Release()
		return i.LastStackPointer(), false
	}
}

// Release lets a held thread continue. Releasing a thread that was never
// held is a no-op.
func (i *Info) Release() {
	i.holdMu.Lock()
	release := i.release
	i.suspend = nil
	i.ack = nil
	i.release = nil
	i.holdMu.Unlock()

	if release != nil {
		close(release)
	}
}

// Checkpoint is called by the owning thread on every tracked operation. If a
// hold was requested the thread publishes sp and parks until released.
func (i *Info) Checkpoint(sp uintptr) {
	i.holdMu.Lock()
	suspend, ack, release := i.suspend, i.ack, i.release
	i.holdMu.Unlock()
	if suspend == nil {
		i.mu.Lock()
		i.lastSP = sp
		i.mu.Unlock()
		return
	}

	select {
	case <-suspend:
		select {
		case ack <- sp:
		default:
		}
		<-release
	default:
		i.mu.Lock()
		i.lastSP = sp
		i.mu.Unlock()
	}
}

// StackAnchor returns an address inside the caller's current frame; thread
// entry points use it to probe the stack top, checkpoints to publish the
// current stack pointer.
func StackAnchor() uintptr {
	var anchor byte
	return uintptr(unsafe.Pointer(&anchor))
}
