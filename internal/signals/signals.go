// Package signals installs the diagnostic signal handlers: a statistics dump,
// a callstack dump, and a crash trace that re-raises the original signal
// with its default disposition.
package signals

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/leakscope/leakscope/internal/stats"
)

// Handler owns the installed signal routing.
type Handler struct {
	ch   chan os.Signal
	done chan struct{}

	// beforeCrash runs first in the crash path; the caller uses it to raise
	// the thread-local ignore flag so the trace itself is not tracked.
	beforeCrash func()
	stats       *stats.Stats
	out         *os.File
}

// crashSignals are the fault signals that produce a trace and re-raise.
var crashSignals = []os.Signal{
	syscall.SIGSEGV, syscall.SIGABRT, syscall.SIGTERM, syscall.SIGALRM,
	syscall.SIGPIPE, syscall.SIGFPE, syscall.SIGILL, syscall.SIGQUIT,
	syscall.SIGHUP, syscall.SIGBUS, syscall.SIGXFSZ, syscall.SIGXCPU,
	syscall.SIGSYS, syscall.SIGVTALRM, syscall.SIGPROF, syscall.SIGTRAP,
}

// Install wires the handlers. statsSink may be nil when stats are off.
func Install(statsSink *stats.Stats, out *os.File, beforeCrash func()) *Handler {
	h := &Handler{
		ch:          make(chan os.Signal, 8),
		done:        make(chan struct{}),
		beforeCrash: beforeCrash,
		stats:       statsSink,
		out:         out,
	}

	signal.Notify(h.ch, syscall.SIGUSR1, syscall.SIGUSR2)
	signal.Notify(h.ch, crashSignals...)
	go h.loop()
	return h
}

func (h *Handler) loop() {
	defer close(h.done)
	for sig := range h.ch {
		switch sig {
		case syscall.SIGUSR1:
			if h.stats != nil {
				h.stats.Print(h.out)
			} else {
				fmt.Fprintln(h.out, "LeakScope: statistics are not active")
			}
		case syscall.SIGUSR2:
			h.dumpStacks()
		default:
			h.crash(sig)
		}
	}
}

func (h *Handler) dumpStacks() {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	h.out.Write(buf[:n])
}

// crash prints a trace and re-raises the signal with the default handler so
// the process dies with the original disposition and exit status.
func (h *Handler) crash(sig os.Signal) {
	if h.beforeCrash != nil {
		h.beforeCrash()
	}
	fmt.Fprintf(h.out, "LeakScope: terminating on %v\n", sig)
	h.dumpStacks()

	if sysSig, ok := sig.(syscall.Signal); ok {
		signal.Reset(sig)
		_ = syscall.Kill(os.Getpid(), sysSig)
	}
}

// Uninstall stops signal routing.
func (h *Handler) Uninstall() {
	signal.Stop(h.ch)
	close(h.ch)
	<-h.done
}
