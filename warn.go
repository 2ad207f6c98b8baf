package leakscope

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/leakscope/leakscope/internal/callstack"
	"github.com/leakscope/leakscope/internal/formatter"
	"github.com/leakscope/leakscope/internal/record"
)

// warnf prints a warning with the callstack of the offending call site.
func (s *Sanitizer) warnf(format string, args ...any) {
	f := s.core.Formatter()
	fmt.Fprintln(s.out, f.Format("LeakScope: Warning: "+fmt.Sprintf(format, args...), formatter.Amber))
	s.printCallstackHere()
}

func (s *Sanitizer) printCallstackHere() {
	stack := callstack.Capture(2, s.behaviour.CallstackSize())
	sf := callstack.NewFormatter(s.behaviour.PrintBinaries(), s.behaviour.PrintFunctions(),
		s.behaviour.RelativePaths(), nil)
	sf.Format(s.out, stack, "    ")
}

func (s *Sanitizer) printExitStack() {
	s.printCallstackHere()
}

func invalidFreeMessage(ptr uintptr, doubleFree bool) string {
	kind := "Invalid free"
	if doubleFree {
		kind = "Double free"
	}
	return fmt.Sprintf("%s for address %#x", kind, ptr)
}

// crashOrWarn reports an invalid release. With crash enabled it prints the
// diagnostic and terminates through the default disposition of SIGABRT;
// otherwise it warns and the program continues.
func (s *Sanitizer) crashOrWarn(msg string, diagnostic *record.Allocation) {
	f := s.core.Formatter()
	style := formatter.Amber
	if s.behaviour.InvalidCrash() {
		style = formatter.Red
	}
	fmt.Fprintln(s.out, f.Format("LeakScope: "+msg, formatter.Bold, style))
	s.printCallstackHere()

	if diagnostic != nil && diagnostic.Deleted {
		fmt.Fprintln(s.out, "Previously freed here:")
		sf := callstack.NewFormatter(s.behaviour.PrintBinaries(), s.behaviour.PrintFunctions(),
			s.behaviour.RelativePaths(), nil)
		sf.Format(s.out, diagnostic.DeletionStack, "    ")
		fmt.Fprintln(s.out, "Allocated here:")
		sf.Format(s.out, diagnostic.Stack, "    ")
	}

	if s.behaviour.InvalidCrash() {
		s.abort()
	}
}

// crashForce reports an unconditionally fatal misuse of the surface.
func (s *Sanitizer) crashForce(msg string) {
	f := s.core.Formatter()
	fmt.Fprintln(s.out, f.Format("LeakScope: "+msg, formatter.Bold, formatter.Red))
	s.printCallstackHere()
	s.abort()
}

// abort re-raises SIGABRT with its default disposition.
func (s *Sanitizer) abort() {
	signal.Reset(syscall.SIGABRT)
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGABRT)
	// The default disposition terminates the process; if the signal was
	// somehow swallowed, fall back to a hard exit.
	s.exitFn(134)
}
