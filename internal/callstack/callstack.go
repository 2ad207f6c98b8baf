// Package callstack captures and formats allocation callstacks.
// Capture is cheap (raw program counters); symbolication happens lazily when
// a stack is formatted for a report.
package callstack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/leakscope/leakscope/internal/regions"
)

// sizeExceeded latches whether any capture hit the configured depth cap.
var sizeExceeded atomic.Bool

// Capture records the current callstack, skipping skip frames on top of the
// capture machinery itself and keeping at most max frames.
func Capture(skip, max int) []uintptr {
	if max <= 0 {
		max = 1
	}
	pcs := make([]uintptr, max+1)
	n := runtime.Callers(skip+2, pcs)
	if n > max {
		sizeExceeded.Store(true)
		n = max
	}
	stack := make([]uintptr, n)
	copy(stack, pcs[:n])
	return stack
}

// SizeExceeded reports whether any capture was truncated, and resets the
// latch when clear is set.
func SizeExceeded(clear bool) bool {
	if clear {
		return sizeExceeded.Swap(false)
	}
	return sizeExceeded.Load()
}

// Formatter renders captured stacks.
type Formatter struct {
	// PrintBinaries includes the containing binary of each frame.
	PrintBinaries bool
	// PrintFunctions includes function names; otherwise only addresses.
	PrintFunctions bool
	// RelativePaths shortens source paths against the working directory.
	RelativePaths bool
	// Regions resolves a frame's containing image; may be nil.
	Regions []regions.Region

	wd string
}

// NewFormatter builds a formatter with the given presentation switches.
func NewFormatter(printBinaries, printFunctions, relativePaths bool, rs []regions.Region) *Formatter {
	wd, _ := os.Getwd()
	return &Formatter{
		PrintBinaries:  printBinaries,
		PrintFunctions: printFunctions,
		RelativePaths:  relativePaths,
		Regions:        rs,
		wd:             wd,
	}
}

// Format writes the symbolicated stack to out, one frame per line, each line
// prefixed with indent.
func (f *Formatter) Format(out io.Writer, stack []uintptr, indent string) {
	if len(stack) == 0 {
		fmt.Fprintf(out, "%s<no callstack available>\n", indent)
		return
	}

	frames := runtime.CallersFrames(stack)
	first := true
	for {
		frame, more := frames.Next()
		marker := "at"
		if first {
			marker = "in"
			first = false
		}
		fmt.Fprintf(out, "%s%s %s\n", indent, marker, f.frameLine(frame))
		if !more {
			break
		}
	}
}

// BinaryFor resolves the absolute path of the binary containing pc.
func (f *Formatter) BinaryFor(pc uintptr) string {
	if r, ok := regions.ImageFor(f.Regions, pc); ok {
		return r.Name
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

func (f *Formatter) frameLine(frame runtime.Frame) string {
	var sb strings.Builder

	if f.PrintFunctions && frame.Function != "" {
		sb.WriteString(frame.Function)
	} else {
		fmt.Fprintf(&sb, "%#x", frame.PC)
	}

	if frame.File != "" {
		file := frame.File
		if f.RelativePaths && f.wd != "" {
			if rel, err := filepath.Rel(f.wd, file); err == nil && !strings.HasPrefix(rel, "..") {
				file = rel
			}
		}
		fmt.Fprintf(&sb, " (%s:%d)", file, frame.Line)
	}

	if f.PrintBinaries {
		if binary := f.BinaryFor(frame.PC); binary != "" {
			fmt.Fprintf(&sb, " [%s]", filepath.Base(binary))
		}
	}
	return sb.String()
}
