package core

import (
	"fmt"
	"unsafe"

	"github.com/leakscope/leakscope/internal/record"
	"github.com/leakscope/leakscope/internal/regions"
	"github.com/leakscope/leakscope/internal/suppression"
	"github.com/leakscope/leakscope/internal/threads"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// cacheMask strips the non-address bits a runtime class cache pointer
// carries in its upper bits.
const cacheMask = (uintptr(1) << 48) - 1

// classDataMask strips the flag bits of a class data pointer union.
const classDataMask = 0x0f007ffffffffff8

func alignUp(v uintptr) uintptr {
	if v%wordSize != 0 {
		return v + wordSize - v%wordSize
	}
	return v
}

func alignDown(v uintptr) uintptr {
	return v - v%wordSize
}

func readWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// findWithSpecials looks a candidate pointer up in the global map, also
// trying the derived forms covering common tagged- and interior-pointer
// idioms: p-2w, p-w and the bitwise complement of p.
func (c *Core) findWithSpecials(ptr uintptr) *record.Allocation {
	if info, ok := c.infos[ptr]; ok {
		return info
	}
	if info, ok := c.infos[ptr-2*wordSize]; ok {
		return info
	}
	if info, ok := c.infos[ptr-wordSize]; ok {
		return info
	}
	if info, ok := c.infos[^ptr]; ok {
		return info
	}
	return nil
}

// classifyLeaks word-scans the half-open range [begin, end) as a root region
// of the given kinds. Newly reached records land in *directs; the pointer
// graph inside each is walked with the indirect kind.
func (c *Core) classifyLeaks(begin, end uintptr, direct, indirect record.LeakKind,
	directs *[]*record.Allocation, skipClassifieds bool, name, nameRelative string, reclassify bool) {
	for it := begin; it < end; it += wordSize {
		info := c.findWithSpecials(readWord(it))
		if info == nil || info.Deleted || (skipClassifieds && info.Kind != record.KindUnclassified) {
			continue
		}
		if direct.Stronger(info.Kind) || reclassify {
			info.Kind = direct
			info.Image = record.ImageName{Absolute: name, Relative: nameRelative}
			*directs = append(*directs, info)
		}
		c.classifyRecord(info, indirect, reclassify)
	}
}

// classifyRecord walks the pointer graph inside info, assigning kind to every
// record transitively reachable from its bytes and appending each discovered
// record to info's via-me list.
func (c *Core) classifyRecord(info *record.Allocation, kind record.LeakKind, reclassify bool) {
	stack := []*record.Allocation{info}
	for len(stack) > 0 {
		elem := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if (kind.Stronger(elem.Kind) || reclassify) && elem.Pointer != info.Pointer {
			elem.Kind = kind
		}

		begin := alignUp(elem.Pointer)
		end := alignDown(begin + elem.Size)
		for it := begin; it < end; it += wordSize {
			found := c.findWithSpecials(readWord(it))
			if found == nil || found.Deleted ||
				found.Pointer == info.Pointer || found.Pointer == elem.Pointer {
				continue
			}
			info.ViaMe = append(info.ViaMe, found)
			if kind.Stronger(found.Kind) || reclassify {
				stack = append(stack, found)
			}
		}
	}
}

// classifyPointerUnion resolves a tagged pointer union (small integer tag in
// the two low bits) and classifies the record it names.
func (c *Core) classifyPointerUnion(word uintptr, directs *[]*record.Allocation,
	direct, indirect record.LeakKind) {
	ptr := word &^ uintptr(3)
	info, ok := c.infos[ptr]
	if !ok {
		return
	}
	if direct.Stronger(info.Kind) {
		info.Kind = direct
		c.classifyRecord(info, indirect, false)
		*directs = append(*directs, info)
	}
}

// classifyClass walks one class metadata block of the hosted runtime: the
// class cache word, the class data word (low flag bits masked), the
// read-write section behind it, and its method-list pointer unions.
func (c *Core) classifyClass(cls uintptr, directs *[]*record.Allocation,
	direct, indirect record.LeakKind) {
	if cls == 0 {
		return
	}
	words := cls

	cachePtr := readWord(words+2*wordSize) & cacheMask
	if info, ok := c.infos[cachePtr]; ok && direct.Stronger(info.Kind) {
		info.Kind = direct
		c.classifyRecord(info, indirect, false)
		*directs = append(*directs, info)
	}

	dataPtr := readWord(words+4*wordSize) & classDataMask
	info, ok := c.infos[dataPtr]
	if !ok {
		return
	}
	if direct.Stronger(info.Kind) {
		info.Kind = direct
		c.classifyRecord(info, indirect, false)
		*directs = append(*directs, info)
	}

	rwPtr := readWord(info.Pointer+wordSize) &^ 1
	rwInfo, ok := c.infos[rwPtr]
	if !ok {
		return
	}
	if direct.Stronger(rwInfo.Kind) {
		rwInfo.Kind = direct
		c.classifyRecord(rwInfo, indirect, false)
		*directs = append(*directs, rwInfo)
	}
	if rwInfo.Size >= 4*wordSize {
		for i := uintptr(1); i < 4; i++ {
			c.classifyPointerUnion(readWord(rwInfo.Pointer+i*wordSize), directs, direct, indirect)
		}
	}
}

// classifyRuntime enumerates the hosted runtime's registered classes.
func (c *Core) classifyRuntime(directs *[]*record.Allocation) {
	if c.runtimeClasses == nil {
		return
	}
	for _, cls := range c.runtimeClasses.Classes() {
		c.classifyClass(cls, directs, record.KindRuntimeDirect, record.KindRuntimeIndirect)
	}
}

// classifyRuntimeTLS enumerates the runtime's per-thread dictionaries and
// classifies each key and value allocation they reference.
func (c *Core) classifyRuntimeTLS(stats *LeakKindStats) {
	if c.runtimeClasses == nil {
		return
	}
	for _, dict := range c.runtimeClasses.ThreadDictionaries() {
		for _, side := range dict {
			for _, ptr := range side {
				info, ok := c.infos[ptr]
				if !ok {
					continue
				}
				c.classifyRecord(info, record.KindTLSIndirect, true)
				info.Kind = record.KindTLSDirect
				stats.RecordsTLV = append(stats.RecordsTLV, info)
			}
		}
	}
}

// progress writes a transient scan progress note when the output is a
// terminal.
func (c *Core) progress(msg string) {
	if !c.form.Enabled() {
		return
	}
	fmt.Fprintf(c.out, "\r%-60s\r", "")
	if msg != "" {
		fmt.Fprint(c.out, msg)
	}
}

// SetTLVSuppressions installs the declarative TLS suppression rules used by
// the reclassification pass.
func (c *Core) SetTLVSuppressions(rules []suppression.Suppression) {
	c.suppMu.Lock()
	c.tlvSuppressions = rules
	c.suppMu.Unlock()
}

func (c *Core) tlvSuppressionList() []suppression.Suppression {
	c.suppMu.Lock()
	defer c.suppMu.Unlock()
	return c.tlvSuppressions
}

// Classify runs the full reachability analysis and returns the per-kind
// aggregation. The caller must already hold the process in the finished
// state; trackers have uploaded their records.
func (c *Core) Classify() *LeakKindStats {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	stats := &LeakKindStats{}

	c.progress("Searching globals and compile time thread locals...")
	loaded, err := regions.LoadedRegions()
	if err != nil {
		c.warnf("loaded regions unavailable: %v", err)
	}
	c.regionList = append(loaded, c.extraRegions...)

	c.progress("Collecting the leaks...")
	for ptr, info := range c.infos {
		if info.Deleted {
			c.store.Release(info.Stack)
			c.store.Release(info.DeletionStack)
			delete(c.infos, ptr)
		}
	}

	c.progress("Reachability analysis: runtime class registry...")
	c.classifyRuntime(&stats.RecordsRuntime)

	c.progress("Reachability analysis: stacks...")
	self, _ := c.registry.Current()
	live := c.registry.Live()
	held := make(map[*threads.Info]bool)
	for _, info := range live {
		selfThread := info == self
		sp := threads.StackAnchor()
		if !selfThread {
			published, ok := info.RequestHold()
			if !ok {
				c.warnf("failed to suspend %s", c.ThreadDescription(info.Number))
			} else {
				held[info] = true
			}
			sp = published
		}
		top := alignDown(info.StackTop)
		if bottom := info.StackTop - info.StackSize; sp < bottom {
			sp = bottom
		}
		if sp >= top {
			// The thread's stack moved past the probed bounds; its window
			// cannot be scanned safely.
			continue
		}
		name := ""
		if c.registry.Threaded() {
			name = c.ThreadDescription(info.Number)
		}
		c.classifyLeaks(alignUp(sp), top,
			record.KindReachableDirect, record.KindReachableIndirect,
			&stats.RecordsStack, false, name, name, false)
	}

	c.progress("Reachability analysis: globals...")
	for _, region := range c.regionList {
		c.classifyLeaks(region.Begin, region.End,
			record.KindGlobalDirect, record.KindGlobalIndirect,
			&stats.RecordsGlobal, false, region.Name, region.NameRelative, false)
	}

	c.progress("Reachability analysis: thread-locals...")
	for _, info := range live {
		name := ""
		if c.registry.Threaded() {
			name = c.ThreadDescription(info.Number)
		}
		c.classifyLeaks(info.TLSBase(), info.TLSLimit(),
			record.KindTLSDirect, record.KindTLSIndirect,
			&stats.RecordsTLV, false, name, name, false)
	}

	if tlvSupp := c.tlvSuppressionList(); len(tlvSupp) > 0 {
		resolve := c.binaryResolver()
		for _, info := range c.infos {
			for i := range tlvSupp {
				if !tlvSupp[i].Match(info, resolve) {
					continue
				}
				info.Kind = record.KindTLSDirect
				c.classifyRecord(info, record.KindTLSIndirect, true)
				stats.RecordsTLV = append(stats.RecordsTLV, info)
				info.Suppressed = true
				break
			}
		}
	}

	for info, ok := range held {
		if ok {
			info.Release()
		}
	}

	c.progress("Reachability analysis: runtime thread-locals...")
	c.classifyRuntimeTLS(stats)

	c.progress("Reachability analysis: lost memory...")
	for _, info := range c.infos {
		if info.Kind != record.KindUnclassified || info.Deleted {
			continue
		}
		info.Kind = record.KindUnreachableDirect
		c.classifyRecord(info, record.KindUnreachableIndirect, false)
		stats.RecordsLost = append(stats.RecordsLost, info)
	}

	c.progress("Filtering the memory leaks...")
	for _, leak := range stats.RecordsRuntime {
		if !leak.Suppressed {
			leak.MarkSuppressed()
			stats.SuppressedCount++
		}
	}
	for _, info := range c.infos {
		if !info.Suppressed && c.IsSuppressed(info) {
			info.MarkSuppressed()
			stats.SuppressedCount++
		}
	}

	c.progress("Enumerating memory leaks...")
	enumerate(stats.RecordsStack, &stats.Stack, &stats.BytesStack,
		&stats.StackIndirect, &stats.BytesStackIndirect)
	enumerate(stats.RecordsTLV, &stats.TLV, &stats.BytesTLV,
		&stats.TLVIndirect, &stats.BytesTLVIndirect)
	enumerate(stats.RecordsGlobal, &stats.Global, &stats.BytesGlobal,
		&stats.GlobalIndirect, &stats.BytesGlobalIndirect)
	enumerate(stats.RecordsLost, &stats.Lost, &stats.BytesLost,
		&stats.LostIndirect, &stats.BytesLostIndirect)

	c.progress("")
	return stats
}

func enumerate(records []*record.Allocation, count, bytes, indirect, indirectBytes *uintptr) {
	for _, leak := range records {
		// A record reclassified as indirect after it was listed is counted
		// through the root that reaches it, not as a root of its own.
		if leak.Suppressed || leak.Enumerated || leak.Kind.Indirect() {
			continue
		}
		*count++
		*bytes += leak.Size
		n, b := leak.Enumerate()
		*indirect += n
		*indirectBytes += b
	}
}

// AddExtraRegion registers an additional root region scanned as global
// space, the hook client programs use to expose their own global slots.
func (c *Core) AddExtraRegion(begin, end uintptr, name, nameRelative string) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	c.extraRegions = append(c.extraRegions, regions.Region{
		Begin:        alignUp(begin),
		End:          alignDown(end),
		Name:         name,
		NameRelative: nameRelative,
	})
}
