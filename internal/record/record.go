package record

import (
	"time"
	"unsafe"
)

// WordSize is the machine word size all scanning is performed with.
const WordSize = unsafe.Sizeof(uintptr(0))

// ImageName is the pair of names of the loaded image whose scan first reached
// a record. Absolute is the full path; Relative is the shortest display name.
type ImageName struct {
	Absolute string
	Relative string
}

// Allocation is the bookkeeping value kept for one tracked allocation.
// The pointer is unique across all live records at any instant.
type Allocation struct {
	// Pointer is the user-visible address of the allocation.
	Pointer uintptr
	// Size is the allocated byte count.
	Size uintptr

	// Stack is the captured allocation callstack; symbolication is lazy.
	Stack []uintptr
	// ThreadID is the logical number of the allocating thread.
	ThreadID uint64

	// Deleted marks the record as released. The deletion fields below are
	// only populated for deleted records and feed double-free diagnostics.
	Deleted          bool
	DeletionStack    []uintptr
	DeletionThreadID uint64
	DeletionTime     time.Time

	// Kind is the leak classification, KindUnclassified until the scanner
	// assigns one.
	Kind LeakKind
	// Image names the region whose scan first reached this record.
	Image ImageName

	// ViaMe lists the records reachable from the bytes of this one, in
	// discovery order. Entries are not owned; the record store owns them.
	ViaMe []*Allocation

	// Reporting state.
	Suppressed    bool
	PrintedAsRoot bool
	Enumerated    bool
}

// New constructs a live allocation record.
func New(ptr, size uintptr, stack []uintptr, threadID uint64) *Allocation {
	return &Allocation{
		Pointer:  ptr,
		Size:     size,
		Stack:    stack,
		ThreadID: threadID,
		Kind:     KindUnclassified,
	}
}

// MarkDeleted flags the record as released and stamps the deletion context.
func (a *Allocation) MarkDeleted(stack []uintptr, threadID uint64, now time.Time) {
	a.Deleted = true
	a.DeletionStack = stack
	a.DeletionThreadID = threadID
	a.DeletionTime = now
}

// MoreRecentlyDeleted reports whether this record was released after other.
// Records without a deletion timestamp never compare as more recent.
func (a *Allocation) MoreRecentlyDeleted(other *Allocation) bool {
	if a.DeletionTime.IsZero() || other == nil || other.DeletionTime.IsZero() {
		return false
	}
	return a.DeletionTime.After(other.DeletionTime)
}

// MarkSuppressed suppresses the record and every not yet suppressed record
// reachable through it.
func (a *Allocation) MarkSuppressed() {
	a.Suppressed = true
	for _, via := range a.ViaMe {
		if !via.Suppressed {
			via.MarkSuppressed()
		}
	}
}

// Enumerate walks ViaMe and counts every transitively reached, not suppressed
// and not yet enumerated indirect record exactly once. It returns the number
// of descendants counted and their byte total. The Enumerated flag is
// monotonic, so enumerating the same root twice counts each descendant once.
func (a *Allocation) Enumerate() (count, bytes uintptr) {
	a.Enumerated = true
	for _, via := range a.ViaMe {
		if via.Suppressed || via.Enumerated || via == a {
			continue
		}
		count++
		bytes += via.Size
		c, b := via.Enumerate()
		count += c
		bytes += b
	}
	return count, bytes
}
