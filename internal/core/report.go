package core

import (
	"fmt"
	"io"
	"os"

	"github.com/leakscope/leakscope/internal/callstack"
	"github.com/leakscope/leakscope/internal/formatter"
	"github.com/leakscope/leakscope/internal/record"
	"github.com/leakscope/leakscope/internal/stats"
)

// Report runs the classification and writes the ordered, grouped leak
// report. It is the terminal step of the teardown sequence.
func (c *Core) Report() *LeakKindStats {
	leakStats := c.Classify()
	c.writeReport(c.out, leakStats)
	return leakStats
}

func (c *Core) writeReport(out io.Writer, leakStats *LeakKindStats) {
	f := c.form

	if leakStats.Total() == 0 {
		fmt.Fprintln(out, f.Format("No leaks detected.", formatter.Bold, formatter.Green, formatter.Italic))
		c.writeEpilogue(out, leakStats, false)
		return
	}

	c.writeSummary(out, leakStats)
	fmt.Fprintln(out)

	printed := c.printRecords(out, leakStats.RecordsLost, record.KindUnreachableDirect)
	if c.behaviour.ShowReachables() {
		printed = c.printRecords(out, leakStats.RecordsGlobal, record.KindGlobalDirect) || printed
		printed = c.printRecords(out, leakStats.RecordsTLV, record.KindTLSDirect) || printed
		printed = c.printRecords(out, leakStats.RecordsStack, record.KindReachableDirect) || printed
	} else if leakStats.TotalReachable() > 0 {
		fmt.Fprintf(out, "Hint: Set %s to %s to display the reachable memory leaks.\n\n",
			f.Format("LEAKSCOPE_REACHABLE_LEAKS", formatter.Bold),
			f.Format("true", formatter.Bold))
	}

	c.writeEpilogue(out, leakStats, printed)
	if printed {
		fmt.Fprintln(out)
		c.writeSummary(out, leakStats)
	}
}

func (c *Core) writeSummary(out io.Writer, s *LeakKindStats) {
	f := c.form

	fmt.Fprintln(out, f.Format("Summary:", formatter.Bold))
	fmt.Fprintf(out, "Total: %d %s (%s)\n",
		s.Total(), plural(s.Total(), "leak"), stats.FormatBytes(s.TotalBytes()))
	fmt.Fprintf(out, "       %s\n", f.Format(
		fmt.Sprintf("%d %s (%s) lost", s.TotalLost(), plural(s.TotalLost(), "leak"),
			stats.FormatBytes(s.LostBytes())), formatter.Bold))
	reachable := fmt.Sprintf("%d %s (%s) reachable",
		s.TotalReachable(), plural(s.TotalReachable(), "leak"), stats.FormatBytes(s.ReachableBytes()))
	if !c.behaviour.ShowReachables() {
		reachable += f.Format(" (not shown)", formatter.Italic)
	}
	fmt.Fprintf(out, "       %s\n", reachable)
}

func plural(n uintptr, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// printRecords prints every not yet printed, not suppressed direct record of
// the allowed kind and reports whether anything was printed.
func (c *Core) printRecords(out io.Writer, records []*record.Allocation, allowed record.LeakKind) bool {
	printed := false
	for _, leak := range records {
		if leak.PrintedAsRoot || leak.Suppressed || leak.Kind != allowed {
			continue
		}
		c.printRecord(out, leak, 0, 0)
		fmt.Fprintln(out)
		leak.PrintedAsRoot = true
		printed = true
	}
	return printed
}

// printRecord renders one leak and, when indirect leaks are shown, its
// numbered descendant tree.
func (c *Core) printRecord(out io.Writer, leak *record.Allocation, indent, number int) {
	f := c.form
	prefix := ""
	for i := 0; i < indent; i++ {
		prefix += "    "
	}

	head := fmt.Sprintf("Leak of %s", stats.FormatBytes(leak.Size))
	if number > 0 {
		head = fmt.Sprintf("# %d: %s", number, head)
	}
	line := f.Format(head, formatter.Bold) + fmt.Sprintf(" at %#x (%s)", leak.Pointer, leak.Kind)
	if c.registry.Threaded() {
		line += ", allocated by " + c.ThreadDescription(leak.ThreadID)
	}
	fmt.Fprintf(out, "%s%s\n", prefix, line)

	sf := callstack.NewFormatter(c.behaviour.PrintBinaries(), c.behaviour.PrintFunctions(),
		c.behaviour.RelativePaths(), c.regionList)
	sf.Format(out, leak.Stack, prefix+"    ")

	if !c.behaviour.ShowIndirects() || indent > 0 {
		return
	}
	n := 0
	for _, via := range leak.ViaMe {
		if via.Suppressed || via.PrintedAsRoot || !via.Kind.Indirect() {
			continue
		}
		n++
		c.printRecord(out, via, indent+1, n)
		via.PrintedAsRoot = true
	}
}

// writeEpilogue emits the event-driven hints.
func (c *Core) writeEpilogue(out io.Writer, s *LeakKindStats, printed bool) {
	f := c.form

	if callstack.SizeExceeded(true) {
		fmt.Fprintf(out, "Hint:%s to see longer callstacks, increase the value of %s (currently %d).%s\n\n",
			f.Set(formatter.Greyed), "LEAKSCOPE_CALLSTACK_SIZE",
			c.behaviour.CallstackSize(), f.Clear(formatter.Greyed))
	}

	hasIndirects := s.StackIndirect+s.TLVIndirect+s.GlobalIndirect+s.LostIndirect > 0
	if hasIndirects && !c.behaviour.ShowIndirects() && printed {
		fmt.Fprintf(out, "Hint: Set %s to %s to show indirect memory leaks.\n\n",
			f.Format("LEAKSCOPE_INDIRECT_LEAKS", formatter.Bold),
			f.Format("true", formatter.Bold))
	}

	if printed && c.behaviour.RelativePaths() {
		if wd, err := os.Getwd(); err == nil {
			fmt.Fprintf(out, "Working directory: %s\n\n", wd)
		}
	}

	if !c.form.Enabled() {
		if _, overridden := c.behaviour.PrintFormatted(); !overridden {
			fmt.Fprintf(out, "Hint: To re-enable colored output, set %s to %s.\n",
				"LEAKSCOPE_PRINT_FORMATTED", "true")
		}
	}
}
