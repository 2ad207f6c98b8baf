// Package leakscope is a runtime memory-leak sanitizer for manually managed
// allocations. It interposes a malloc-style allocation surface, records every
// live allocation with its allocation callstack, and classifies the survivors
// by reachability when the process shuts down.
//
// Client programs route allocations through a Sanitizer, spawn tracked
// threads with Go, and terminate through Exit (or Shutdown) to obtain the
// leak report.
package leakscope

import (
	"fmt"
	"os"
	"sync"

	"github.com/leakscope/leakscope/internal/behaviour"
	"github.com/leakscope/leakscope/internal/core"
	"github.com/leakscope/leakscope/internal/real"
	"github.com/leakscope/leakscope/internal/signals"
	"github.com/leakscope/leakscope/internal/stats"
	"github.com/leakscope/leakscope/internal/threads"
	"github.com/leakscope/leakscope/internal/tracker"
)

// TLS slot states for the sanitizer's own key. Slot 0 means "untouched";
// the sentinel routes bookkeeping to the global tracker while a per-thread
// tracker is under construction.
const (
	tlsSentinel    = 1
	tlsTrackerBias = 2
)

// Sanitizer is the process-wide sanitizer instance.
type Sanitizer struct {
	core      *core.Core
	realAlloc *real.Allocator
	registry  *threads.Registry
	behaviour *behaviour.Behaviour
	stats     *stats.Stats

	signalHandler *signals.Handler
	autoStats     *stats.AutoPrinter

	saniKey int

	trackerMu sync.Mutex
	byThread  map[uint64]*tracker.ThreadTracker

	exitFn   func(int)
	exitOnce sync.Once
	out      *os.File
}

// New initialises a sanitizer. Failure to obtain the real allocation
// primitives is fatal and reported as an error.
func New() (*Sanitizer, error) {
	realAlloc, err := real.New()
	if err != nil {
		return nil, err
	}

	b := behaviour.Load()
	reg := threads.NewRegistry(threads.StackAnchor(), b.StackWindow())
	st := &stats.Stats{}

	s := &Sanitizer{
		realAlloc: realAlloc,
		registry:  reg,
		behaviour: b,
		stats:     st,
		byThread:  make(map[uint64]*tracker.ThreadTracker),
		exitFn:    os.Exit,
		out:       os.Stderr,
	}
	s.core = core.New(realAlloc, reg, b, st)

	key, ok := reg.CreateTLSKey(s.destroyTrackerSlot)
	if !ok {
		return nil, fmt.Errorf("leakscope: could not create TLS key")
	}
	s.saniKey = key

	s.signalHandler = signals.Install(s.core.Stats(), s.out, s.ignoreCurrentThread)
	if interval := b.AutoStats(); interval > 0 {
		s.autoStats = stats.StartAutoPrinter(st, s.out, interval)
	}
	return s, nil
}

// SetOutput redirects diagnostics and the report, mainly for tests.
func (s *Sanitizer) SetOutput(f *os.File) {
	s.out = f
	s.core.SetOutput(f)
}

// SetExitFunc overrides the process exit primitive, mainly for tests.
func (s *Sanitizer) SetExitFunc(fn func(int)) {
	s.exitFn = fn
}

// Core exposes the global tracker to advanced clients (runtime-root
// registration, extra global regions, TLS suppressions).
func (s *Sanitizer) Core() *core.Core {
	return s.core
}

// Go spawns a tracked thread. The worker's stack is probed at entry and
// registered with the thread registry; at exit the thread's TLS destructors
// run and its tracker hands its records to the global tracker.
func (s *Sanitizer) Go(name string, fn func(*Thread)) {
	started := make(chan struct{})
	go func() {
		info := s.registry.Add(name, threads.StackAnchor(), s.behaviour.StackWindow())
		close(started)
		t := &Thread{sanitizer: s, info: info}
		defer func() {
			s.registry.RunTLSDestructors(info)
			s.registry.Remove()
		}()
		fn(t)
	}()
	<-started
}

// Thread is the handle a tracked worker receives.
type Thread struct {
	sanitizer *Sanitizer
	info      *threads.Info
}

// Checkpoint lets the reachability scanner hold the thread here. Tracked
// allocation operations reach a checkpoint implicitly; compute-only phases
// should call it from time to time.
func (t *Thread) Checkpoint() {
	t.info.Checkpoint(threads.StackAnchor())
}

// Info returns the registry descriptor of the thread.
func (t *Thread) Info() *threads.Info {
	return t.info
}

// CreateTLSKey allocates a thread-local storage key with an optional
// destructor run at thread exit for non-zero values.
func (s *Sanitizer) CreateTLSKey(destructor func(uintptr)) (int, bool) {
	return s.registry.CreateTLSKey(destructor)
}

// DeleteTLSKey removes a TLS key.
func (s *Sanitizer) DeleteTLSKey(key int) {
	s.registry.DeleteTLSKey(key)
}

// SetTLSValue stores a value in the calling thread's TLS block.
func (s *Sanitizer) SetTLSValue(key int, value uintptr) bool {
	info, ok := s.registry.Current()
	if !ok {
		return false
	}
	return info.TLSSet(key, value)
}

// TLSValue reads a value from the calling thread's TLS block.
func (s *Sanitizer) TLSValue(key int) uintptr {
	info, ok := s.registry.Current()
	if !ok {
		return 0
	}
	return info.TLSGet(key)
}

// currentTracker resolves the calling thread's tracker, creating one on
// first touch. While the tracker is under construction the TLS slot holds
// the sentinel so recursive lookups route to the global tracker.
func (s *Sanitizer) currentTracker() (tracker.Tracker, *threads.Info) {
	info, ok := s.registry.Current()
	if !ok {
		return s.core, nil
	}

	switch slot := info.TLSGet(s.saniKey); {
	case slot == tlsSentinel:
		return s.core, info
	case slot >= tlsTrackerBias:
		s.trackerMu.Lock()
		t := s.byThread[uint64(slot-tlsTrackerBias)]
		s.trackerMu.Unlock()
		if t != nil && !t.Finished() {
			return t, info
		}
		return s.core, info
	}

	info.TLSSet(s.saniKey, tlsSentinel)
	t := s.core.NewThreadTracker(info.Number)
	s.trackerMu.Lock()
	s.byThread[info.Number] = t
	s.trackerMu.Unlock()
	info.TLSSet(s.saniKey, uintptr(info.Number+tlsTrackerBias))
	return t, info
}

// destroyTrackerSlot is the TLS destructor of the sanitizer's key: a stored
// tracker is finished; the sentinel is left alone. Tracker storage survives
// when final classification is running.
func (s *Sanitizer) destroyTrackerSlot(value uintptr) {
	if value < tlsTrackerBias {
		return
	}
	number := uint64(value - tlsTrackerBias)

	s.trackerMu.Lock()
	t := s.byThread[number]
	if t != nil && !s.core.PreventDealloc() {
		delete(s.byThread, number)
	}
	s.trackerMu.Unlock()

	if t != nil {
		t.Finish()
	}
}

// ignoreCurrentThread raises the calling thread's ignore flag; the crash
// path uses it so allocations in the signal path are not tracked.
func (s *Sanitizer) ignoreCurrentThread() {
	t, _ := s.currentTracker()
	if tt, ok := t.(*tracker.ThreadTracker); ok {
		tt.Mu.Lock()
		tt.Ignore = true
		tt.Mu.Unlock()
	}
}

// ifNotIgnored runs the bookkeeping fn with the calling thread's tracker
// unless the tracker is already doing bookkeeping of its own.
func (s *Sanitizer) ifNotIgnored(fn func(t tracker.Tracker)) {
	t, info := s.currentTracker()
	if info != nil {
		info.Checkpoint(threads.StackAnchor())
	}

	switch tt := t.(type) {
	case *tracker.ThreadTracker:
		tt.Mu.Lock()
		if tt.Ignore {
			tt.Mu.Unlock()
			return
		}
		tt.Ignore = true
		tt.Mu.Unlock()

		fn(tt)

		tt.Mu.Lock()
		tt.Ignore = false
		tt.Mu.Unlock()
	default:
		if s.core.Ignored() {
			return
		}
		s.core.WithIgnore(func() { fn(s.core) })
	}
}

// Exit runs the full teardown (finish every tracker, classify, report) and
// terminates the process with the given code. It never returns.
func (s *Sanitizer) Exit(code int) {
	s.Shutdown()
	s.exitFn(code)
}

// Shutdown runs the teardown once without terminating the process: trackers
// are finished, the classifier runs, and the report is written.
func (s *Sanitizer) Shutdown() *core.LeakKindStats {
	var leakStats *core.LeakKindStats
	s.exitOnce.Do(func() {
		if s.behaviour.PrintExitPoint() {
			fmt.Fprintln(s.out, "LeakScope: exiting here:")
			s.printExitStack()
		}
		s.core.Finish()
		leakStats = s.core.Report()

		if s.autoStats != nil {
			s.autoStats.Stop()
		}
		if s.signalHandler != nil {
			s.signalHandler.Uninstall()
		}
		s.core.Close()
	})
	return leakStats
}
