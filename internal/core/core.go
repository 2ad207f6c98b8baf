// Package core owns the process-lifetime state of the sanitizer: the global
// allocation map, the set of per-thread trackers, the reachability scanner,
// and the leak report. A single Core value is created by the library's
// initialisation hook and torn down by its exit hook.
package core

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leakscope/leakscope/internal/behaviour"
	"github.com/leakscope/leakscope/internal/callstack"
	"github.com/leakscope/leakscope/internal/formatter"
	"github.com/leakscope/leakscope/internal/pool"
	"github.com/leakscope/leakscope/internal/real"
	"github.com/leakscope/leakscope/internal/record"
	"github.com/leakscope/leakscope/internal/regions"
	"github.com/leakscope/leakscope/internal/stats"
	"github.com/leakscope/leakscope/internal/suppression"
	"github.com/leakscope/leakscope/internal/threads"
	"github.com/leakscope/leakscope/internal/tracker"
)

// RuntimeClasses is the optional introspectable class registry of a hosted
// language runtime. Allocations reachable from class metadata are classified
// as runtime-owned and never reported.
type RuntimeClasses interface {
	// Classes returns the addresses of every registered class metadata
	// block.
	Classes() []uintptr
	// ThreadDictionaries returns, per thread, the key and value addresses
	// of the runtime's thread-local dictionary.
	ThreadDictionaries() [][2][]uintptr
}

// Core is the global tracker.
type Core struct {
	// mu is the global recursive-mutex analogue guarding the reentrancy
	// state of the sentinel tracker role.
	mu     sync.Mutex
	ignore bool

	infoMu sync.Mutex
	infos  map[uintptr]*record.Allocation

	trackerMu sync.Mutex
	trackers  map[tracker.Tracker]struct{}

	registry  *threads.Registry
	store     *tracker.StackStore
	behaviour *behaviour.Behaviour
	stats     *stats.Stats
	realAlloc *real.Allocator
	form      *formatter.Formatter
	out       *os.File

	suppMu       sync.Mutex
	suppressions []suppression.Suppression
	suppLoaded   bool
	systemLibs   *suppression.SystemLibraries
	watcher      *suppression.Watcher

	runtimeClasses  RuntimeClasses
	regionList      []regions.Region
	extraRegions    []regions.Region
	tlvSuppressions []suppression.Suppression

	finished       atomic.Bool
	preventDealloc atomic.Bool

	threadDescriptions map[uint64]string
}

// New wires a Core over the given collaborators.
func New(realAlloc *real.Allocator, reg *threads.Registry, b *behaviour.Behaviour, st *stats.Stats) *Core {
	var override *bool
	if v, ok := b.PrintFormatted(); ok {
		override = &v
	}
	c := &Core{
		infos:              make(map[uintptr]*record.Allocation),
		trackers:           make(map[tracker.Tracker]struct{}),
		registry:           reg,
		behaviour:          b,
		stats:              st,
		realAlloc:          realAlloc,
		form:               formatter.New(override),
		out:                os.Stderr,
		threadDescriptions: make(map[uint64]string),
	}
	c.store = tracker.NewStackStore(pool.NewHandle(realAlloc), b.CallstackSize())

	if paths := b.SuppressionFiles(); len(paths) > 0 {
		if w, err := suppression.Watch(paths); err == nil {
			c.watcher = w
		}
	}
	return c
}

// SetOutput redirects the report and diagnostics, mainly for tests.
func (c *Core) SetOutput(f *os.File) {
	c.out = f
	if v, ok := c.behaviour.PrintFormatted(); ok {
		c.form = formatter.New(&v)
	} else {
		c.form = formatter.New(nil)
	}
}

// Behaviour returns the configuration snapshot.
func (c *Core) Behaviour() *behaviour.Behaviour { return c.behaviour }

// Stats returns the statistics sink, or nil when stats are off.
func (c *Core) Stats() *stats.Stats {
	if !c.behaviour.StatsActive() {
		return nil
	}
	return c.stats
}

// Registry returns the thread registry.
func (c *Core) Registry() *threads.Registry { return c.registry }

// RealAllocator returns the real-allocator forwarder.
func (c *Core) RealAllocator() *real.Allocator { return c.realAlloc }

// Store returns the global stack storage.
func (c *Core) Store() *tracker.StackStore { return c.store }

// Formatter returns the output formatter.
func (c *Core) Formatter() *formatter.Formatter { return c.form }

// SetRuntimeClasses installs the optional language-runtime root provider.
func (c *Core) SetRuntimeClasses(rc RuntimeClasses) {
	c.runtimeClasses = rc
}

// Finished reports whether teardown has begun; late allocations are not
// tracked once it latches.
func (c *Core) Finished() bool { return c.finished.Load() }

// PreventDealloc reports whether tracker storage must outlive thread exit,
// which is the case during final classification.
func (c *Core) PreventDealloc() bool { return c.preventDealloc.Load() }

// NewThreadTracker creates and registers a tracker for the calling thread.
func (c *Core) NewThreadTracker(threadID uint64) *tracker.ThreadTracker {
	store := tracker.NewStackStore(pool.NewHandle(c.realAlloc), c.behaviour.CallstackSize())
	t := tracker.NewThreadTracker(c, store, c.Stats(), threadID)
	c.Register(t)
	return t
}

// Register adds a tracker to the tracker set.
func (c *Core) Register(t tracker.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackerMu.Lock()
	defer c.trackerMu.Unlock()
	c.trackers[t] = struct{}{}
}

// Deregister removes a tracker from the tracker set.
func (c *Core) Deregister(t tracker.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackerMu.Lock()
	defer c.trackerMu.Unlock()
	delete(c.trackers, t)
}

func (c *Core) trackerList() []tracker.Tracker {
	c.trackerMu.Lock()
	defer c.trackerMu.Unlock()
	out := make([]tracker.Tracker, 0, len(c.trackers))
	for t := range c.trackers {
		out = append(out, t)
	}
	return out
}

// InvalidFreeTracking reports whether deleted records are retained for
// double-free diagnostics.
func (c *Core) InvalidFreeTracking() bool {
	return c.behaviour.InvalidFree()
}

// Absorb merges a finished tracker's allocation map into the global map.
// The pool storage is merged first so the moved records' stack buffers stay
// valid.
func (c *Core) Absorb(infos map[uintptr]*record.Allocation, store *tracker.StackStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if store != nil {
		c.store.Pool.Merge(store.Pool)
	}
	for ptr, info := range infos {
		c.infos[ptr] = info
	}
}

// AddAlloc registers a record in the global map; the Core acts as the
// sentinel tracker for threads without their own tracker.
func (c *Core) AddAlloc(info *record.Allocation) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if st := c.Stats(); st != nil {
		st.AddAllocation(info.Size)
	}
	if stale, ok := c.infos[info.Pointer]; ok {
		c.store.Release(stale.Stack)
		c.store.Release(stale.DeletionStack)
	}
	c.infos[info.Pointer] = info
}

// TryRemove removes the record for ptr from the global map only.
func (c *Core) TryRemove(ptr uintptr) (bool, *record.Allocation) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	info, ok := c.infos[ptr]
	if !ok {
		return false, nil
	}
	if info.Deleted {
		return false, info
	}
	if st := c.Stats(); st != nil {
		st.RemoveAllocation(info.Size)
	}
	if c.InvalidFreeTracking() {
		info.MarkDeleted(c.store.Store(tracker.CaptureDeletion()), 0, time.Now())
	} else {
		c.store.Release(info.Stack)
		delete(c.infos, ptr)
	}
	return true, nil
}

// Remove removes the record for ptr, searching every tracker.
func (c *Core) Remove(ptr uintptr) (bool, *record.Allocation) {
	return c.RemoveFor(c, ptr)
}

// RemoveFor searches the global map first and then every tracker except
// origin. When only deleted records are found the most recently deleted one
// is returned as diagnostic.
func (c *Core) RemoveFor(origin tracker.Tracker, ptr uintptr) (bool, *record.Allocation) {
	removed, diagnostic := c.TryRemove(ptr)
	if removed {
		return true, nil
	}

	for _, t := range c.trackerList() {
		if t == origin || t == tracker.Tracker(c) {
			continue
		}
		trackerRemoved, trackerDiag := t.TryRemove(ptr)
		if trackerRemoved {
			return true, nil
		}
		if trackerDiag != nil && (diagnostic == nil || trackerDiag.MoreRecentlyDeleted(diagnostic)) {
			diagnostic = trackerDiag
		}
	}
	return false, diagnostic
}

// Change overwrites the record for info.Pointer wherever it lives.
func (c *Core) Change(info *record.Allocation) {
	c.ChangeFor(c, info)
}

// MaybeChange overwrites the record only when the global map owns it.
func (c *Core) MaybeChange(info *record.Allocation) bool {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	old, ok := c.infos[info.Pointer]
	if !ok {
		return false
	}
	if st := c.Stats(); st != nil {
		st.ReplaceAllocation(old.Size, info.Size)
	}
	c.store.Release(old.Stack)
	c.store.Release(old.DeletionStack)
	c.infos[info.Pointer] = info
	return true
}

// ChangeFor routes a change across trackers, skipping origin.
func (c *Core) ChangeFor(origin tracker.Tracker, info *record.Allocation) {
	if c.MaybeChange(info) {
		return
	}
	for _, t := range c.trackerList() {
		if t == origin || t == tracker.Tracker(c) {
			continue
		}
		if t.MaybeChange(info) {
			return
		}
	}
}

// Finish marks the process finished and uploads every tracker's records.
// Idempotent; runs once at teardown before classification.
func (c *Core) Finish() {
	c.preventDealloc.Store(true)
	if c.finished.Swap(true) {
		return
	}

	c.mu.Lock()
	c.ignore = true
	c.mu.Unlock()

	for _, t := range c.trackerList() {
		if t == tracker.Tracker(c) {
			continue
		}
		t.Finish()
	}
}

// WithIgnore runs fn with the sentinel ignore flag raised.
func (c *Core) WithIgnore(fn func()) {
	c.mu.Lock()
	wasIgnored := c.ignore
	c.ignore = true
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.ignore = wasIgnored
	c.mu.Unlock()
}

// Ignored reports the sentinel ignore flag.
func (c *Core) Ignored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ignore
}

// Suppressions returns the memoised suppression list, reloading it when a
// watched file changed.
func (c *Core) Suppressions() []suppression.Suppression {
	c.suppMu.Lock()
	defer c.suppMu.Unlock()

	if c.watcher != nil && c.watcher.Dirty() {
		c.suppLoaded = false
	}
	if !c.suppLoaded {
		loader := &suppression.Loader{
			DeveloperMode: c.behaviour.DeveloperMode(),
			Warn:          log.Printf,
		}
		rules, err := loader.Load(c.behaviour.SuppressionFiles())
		if err != nil {
			c.warnf("suppression load: %v", err)
		}
		c.suppressions = rules
		c.suppLoaded = true
	}
	return c.suppressions
}

// SystemLibraries returns the memoised system-library matcher.
func (c *Core) SystemLibraries() *suppression.SystemLibraries {
	c.suppMu.Lock()
	defer c.suppMu.Unlock()

	if c.systemLibs == nil {
		libs, err := suppression.LoadSystemLibraries(c.behaviour.SystemLibraryFiles())
		if err != nil {
			c.warnf("system library load: %v", err)
		}
		c.systemLibs = libs
	}
	return c.systemLibs
}

// IsSuppressed applies the first-party filter and the declarative rules to
// a classified record.
func (c *Core) IsSuppressed(info *record.Allocation) bool {
	if c.SystemLibraries().IsFirstParty(info.Image.Absolute, true) {
		return true
	}
	resolve := c.binaryResolver()
	for i := range c.Suppressions() {
		if c.suppressions[i].Match(info, resolve) {
			return true
		}
	}
	return false
}

func (c *Core) binaryResolver() suppression.BinaryResolver {
	rs := c.regionList
	return func(pc uintptr) string {
		if r, ok := regions.ImageFor(rs, pc); ok {
			return r.Name
		}
		exe, err := os.Executable()
		if err != nil {
			return ""
		}
		return exe
	}
}

// ThreadDescription returns the memoised report annotation for a thread.
func (c *Core) ThreadDescription(number uint64) string {
	if desc, ok := c.threadDescriptions[number]; ok {
		return desc
	}
	desc := c.registry.Description(number)
	c.threadDescriptions[number] = desc
	return desc
}

func (c *Core) warnf(format string, args ...any) {
	msg := c.form.Format("LeakScope: Warning: ", formatter.Amber)
	log.New(c.out, "", 0).Printf(msg+format, args...)
}

// CallstackExceeded reports whether any capture hit the depth cap.
func (c *Core) CallstackExceeded() bool {
	return callstack.SizeExceeded(false)
}

// Close releases the suppression watcher, if one is running.
func (c *Core) Close() {
	if c.watcher != nil {
		_ = c.watcher.Close()
		c.watcher = nil
	}
}
