// Package behaviour holds the runtime configuration of the sanitizer.
// Every switch is read from the environment once at startup; an optional
// .leakscope.env file is folded into the environment first.
package behaviour

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "LEAKSCOPE_"

// BootstrapFile is the optional dotenv file loaded before the environment is
// read. Missing files are ignored.
const BootstrapFile = ".leakscope.env"

// DefaultCallstackSize is the default cap on captured callstack depth.
const DefaultCallstackSize = 128

// DefaultStackWindow is the scanned stack window used when a thread's real
// stack size cannot be determined.
const DefaultStackWindow = 512 * 1024

// Behaviour is the immutable configuration snapshot.
type Behaviour struct {
	statsActive    bool
	callstackSize  int
	stackWindow    uintptr
	invalidCrash   bool
	invalidFree    bool
	freeNull       bool
	zeroAllocation bool
	showIndirects  bool
	showReachables bool
	printExitPoint bool
	printFormatted *bool
	printBinaries  bool
	printFunctions bool
	relativePaths  bool
	developerMode  bool

	suppressionFiles   []string
	systemLibraryFiles []string

	autoStats time.Duration
}

// Load builds the configuration from the process environment.
func Load() *Behaviour {
	// Mirrors how env-driven services in this codebase boot their config:
	// dotenv first, real environment wins.
	_ = godotenv.Load(BootstrapFile)

	b := &Behaviour{
		callstackSize:  DefaultCallstackSize,
		stackWindow:    DefaultStackWindow,
		freeNull:       false,
		showReachables: true,
	}

	b.statsActive = envBool("STATS_ACTIVE", false)
	if n, ok := envInt("CALLSTACK_SIZE"); ok && n > 0 {
		b.callstackSize = n
	}
	if n, ok := envInt("STACK_WINDOW"); ok && n > 0 {
		b.stackWindow = uintptr(n)
	}
	b.invalidCrash = envBool("INVALID_CRASH", false)
	b.invalidFree = envBool("INVALID_FREE", false)
	b.freeNull = envBool("FREE_NULL", false)
	b.zeroAllocation = envBool("ZERO_ALLOCATION", false)
	b.showIndirects = envBool("INDIRECT_LEAKS", false)
	b.showReachables = envBool("REACHABLE_LEAKS", true)
	b.printExitPoint = envBool("PRINT_EXIT_POINT", false)
	b.printBinaries = envBool("PRINT_BINARIES", true)
	b.printFunctions = envBool("PRINT_FUNCTIONS", true)
	b.relativePaths = envBool("RELATIVE_PATHS", true)
	b.developerMode = envBool("SUPPRESSION_DEVELOPER", false)

	if v, ok := env("PRINT_FORMATTED"); ok {
		formatted := parseBool(v, false)
		b.printFormatted = &formatted
	}

	b.suppressionFiles = envPaths("SUPPRESSION_FILES")
	b.systemLibraryFiles = envPaths("SYSTEM_LIBRARY_FILES")

	if v, ok := env("AUTO_STATS"); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			b.autoStats = d
		}
	}
	return b
}

// StatsActive reports whether statistical bookkeeping is on. Auto-stats
// implies stats.
func (b *Behaviour) StatsActive() bool { return b.statsActive || b.autoStats > 0 }

// CallstackSize returns the cap on captured callstack depth.
func (b *Behaviour) CallstackSize() int { return b.callstackSize }

// StackWindow returns the fallback scanned stack window in bytes.
func (b *Behaviour) StackWindow() uintptr { return b.stackWindow }

// InvalidCrash reports whether an invalid release terminates the process.
func (b *Behaviour) InvalidCrash() bool { return b.invalidCrash }

// InvalidFree reports whether released records are kept for double-free
// diagnostics.
func (b *Behaviour) InvalidFree() bool { return b.invalidFree }

// FreeNull reports whether releasing a null pointer warns.
func (b *Behaviour) FreeNull() bool { return b.freeNull }

// ZeroAllocation reports whether zero-size allocations warn.
func (b *Behaviour) ZeroAllocation() bool { return b.zeroAllocation }

// ShowIndirects reports whether indirect leaks are printed.
func (b *Behaviour) ShowIndirects() bool { return b.showIndirects }

// ShowReachables reports whether reachable leaks are printed.
func (b *Behaviour) ShowReachables() bool { return b.showReachables }

// PrintExitPoint reports whether the exit callstack is printed.
func (b *Behaviour) PrintExitPoint() bool { return b.printExitPoint }

// PrintFormatted returns the explicit formatting override, if any.
func (b *Behaviour) PrintFormatted() (bool, bool) {
	if b.printFormatted == nil {
		return false, false
	}
	return *b.printFormatted, true
}

// PrintBinaries reports whether frame binaries are printed.
func (b *Behaviour) PrintBinaries() bool { return b.printBinaries }

// PrintFunctions reports whether frame function names are printed.
func (b *Behaviour) PrintFunctions() bool { return b.printFunctions }

// RelativePaths reports whether source paths are printed relative to the
// working directory.
func (b *Behaviour) RelativePaths() bool { return b.relativePaths }

// DeveloperMode reports whether suppression development warnings are shown.
func (b *Behaviour) DeveloperMode() bool { return b.developerMode }

// SuppressionFiles returns the user-supplied suppression file paths.
func (b *Behaviour) SuppressionFiles() []string { return b.suppressionFiles }

// SystemLibraryFiles returns the user-supplied system-library regex files.
func (b *Behaviour) SystemLibraryFiles() []string { return b.systemLibraryFiles }

// AutoStats returns the interval between automatic statistics dumps, or 0.
func (b *Behaviour) AutoStats() time.Duration { return b.autoStats }

func env(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok
}

func envBool(name string, def bool) bool {
	v, ok := env(name)
	if !ok {
		return def
	}
	return parseBool(v, def)
}

func parseBool(v string, def bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return parsed
}

func envInt(name string) (int, bool) {
	v, ok := env(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// envPaths splits a colon-separated path list, dropping empty entries.
func envPaths(name string) []string {
	v, ok := env(name)
	if !ok || v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
