// Package functioninfo resolves function names to the address ranges they
// occupy in the running binary. The suppression engine uses the ranges to
// match allocation callstacks frame for frame.
package functioninfo

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Info describes where a named function lives.
type Info struct {
	Begin  uintptr
	Length uintptr
	Found  bool
}

var (
	mu    sync.Mutex
	cache map[string]Info
)

// Load resolves the given function name in the running binary's symbol
// table. Results are memoised.
func Load(name string) Info {
	return LoadHint(name, "")
}

// LoadHint resolves the function name in the running executable; Go links its
// dependencies statically, so no other binary is searched. A symbol equal to
// name always matches. A bare function name also matches a package-qualified
// symbol, but with a non-empty library hint only when the package path
// contains the hint. The first matching symbol in table order wins.
func LoadHint(name, library string) Info {
	mu.Lock()
	defer mu.Unlock()

	key := name + "\x00" + library
	if info, ok := cache[key]; ok {
		return info
	}
	if cache == nil {
		cache = make(map[string]Info)
	}

	info := lookup(name, library)
	cache[key] = info
	return info
}

// ClearCache drops the memoised symbol results.
func ClearCache() {
	mu.Lock()
	defer mu.Unlock()
	cache = nil
}

func lookup(name, library string) Info {
	if info, ok := lookupRuntime(name); ok {
		return info
	}

	exe, err := os.Executable()
	if err != nil {
		return Info{}
	}
	f, err := elf.Open(exe)
	if err != nil {
		return Info{}
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return Info{}
	}
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if !matches(sym.Name, name, library) {
			continue
		}
		return Info{
			Begin:  uintptr(sym.Value),
			Length: uintptr(sym.Size),
			Found:  true,
		}
	}
	return Info{}
}

// lookupRuntime resolves the name through runtime metadata without ELF
// access. It only compares against the function of its own calling frame;
// every other name is left to the symbol table.
func lookupRuntime(name string) (Info, bool) {
	var pcs [1]uintptr
	// runtime.FuncForPC needs a program counter; walk our own stack to seed
	// the search so statically reachable helpers resolve without ELF access.
	if runtime.Callers(1, pcs[:]) == 0 {
		return Info{}, false
	}
	fn := runtime.FuncForPC(pcs[0])
	if fn != nil && fn.Name() == name {
		return Info{Begin: fn.Entry(), Length: 0, Found: true}, true
	}
	return Info{}, false
}

func matches(symbol, name, library string) bool {
	if symbol == name {
		return true
	}
	// Go symbol names are package-qualified; accept a bare function name when
	// the package path matches the library hint.
	if idx := strings.LastIndex(symbol, "."); idx >= 0 && symbol[idx+1:] == name {
		if library == "" {
			return true
		}
		return strings.Contains(symbol[:idx], library)
	}
	return false
}

// Describe returns a human-readable location of the function, for developer
// diagnostics.
func Describe(name string) string {
	info := Load(name)
	if !info.Found {
		exe, _ := os.Executable()
		return fmt.Sprintf("%s: not found in %s", name, filepath.Base(exe))
	}
	return fmt.Sprintf("%s: [%#x, %#x]", name, info.Begin, info.Begin+info.Length)
}
