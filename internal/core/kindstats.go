package core

import "github.com/leakscope/leakscope/internal/record"

// LeakKindStats aggregates the classification result per leak kind.
type LeakKindStats struct {
	Stack          uintptr
	StackIndirect  uintptr
	Global         uintptr
	GlobalIndirect uintptr
	TLV            uintptr
	TLVIndirect    uintptr
	Lost           uintptr
	LostIndirect   uintptr

	BytesStack          uintptr
	BytesStackIndirect  uintptr
	BytesGlobal         uintptr
	BytesGlobalIndirect uintptr
	BytesTLV            uintptr
	BytesTLVIndirect    uintptr
	BytesLost           uintptr
	BytesLostIndirect   uintptr

	RecordsStack   []*record.Allocation
	RecordsRuntime []*record.Allocation
	RecordsGlobal  []*record.Allocation
	RecordsTLV     []*record.Allocation
	RecordsLost    []*record.Allocation

	// SuppressedCount tracks rules that fired, for the suppression
	// diagnostic counters.
	SuppressedCount uintptr
}

// TotalLost returns the number of lost leaks, indirect ones included.
func (s *LeakKindStats) TotalLost() uintptr {
	return s.Lost + s.LostIndirect
}

// TotalReachable returns the number of reachable leaks.
func (s *LeakKindStats) TotalReachable() uintptr {
	return s.Stack + s.StackIndirect + s.Global + s.GlobalIndirect + s.TLV + s.TLVIndirect
}

// Total returns the overall leak count.
func (s *LeakKindStats) Total() uintptr {
	return s.TotalLost() + s.TotalReachable()
}

// LostBytes returns the byte total of lost leaks.
func (s *LeakKindStats) LostBytes() uintptr {
	return s.BytesLost + s.BytesLostIndirect
}

// ReachableBytes returns the byte total of reachable leaks.
func (s *LeakKindStats) ReachableBytes() uintptr {
	return s.BytesStack + s.BytesStackIndirect +
		s.BytesGlobal + s.BytesGlobalIndirect +
		s.BytesTLV + s.BytesTLVIndirect
}

// TotalBytes returns the overall leaked byte total.
func (s *LeakKindStats) TotalBytes() uintptr {
	return s.LostBytes() + s.ReachableBytes()
}
