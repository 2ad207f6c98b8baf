// Package regions enumerates the writable data segments of every image
// loaded into the process. The scanner treats each region as a root set for
// the global reachability pass.
//
// The region list is read from /proc/self/maps; the parsing follows the
// format documented in proc(5).
package regions

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// Region is a half-open interval of word-aligned addresses owned by a loaded
// image.
type Region struct {
	Begin uintptr
	End   uintptr
	// Name is the absolute path of the owning image; mappings without a path
	// are not listed.
	Name string
	// NameRelative is the shortest display name of the owning image.
	NameRelative string
}

// Contains reports whether the address lies inside the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Begin && addr < r.End
}

// LoadedRegions returns the writable, private, file-backed segments of every
// loaded image, the process's candidate global data. Regions are aligned to
// the machine word before they are returned.
func LoadedRegions() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("regions: %w", err)
	}
	defer f.Close()
	return parse(f)
}

// ImageFor returns the region containing addr, if any. It is used to resolve
// the binary a callstack frame belongs to.
func ImageFor(rs []Region, addr uintptr) (Region, bool) {
	for _, r := range rs {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

func parse(r io.Reader) ([]Region, error) {
	var out []Region

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		region, ok, err := parseLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, region)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("regions: %w", err)
	}
	return out, nil
}

// parseLine handles one maps line of the form
//
//	7f0c38000000-7f0c38021000 rw-p 00000000 08:02 1234 /usr/lib/libfoo.so
//
// and keeps only writable private mappings that name a file. Special
// pseudo-paths ([heap], [stack], …) are skipped: stacks are scanned through
// the thread registry and the heap through the allocation map.
func parseLine(line string) (Region, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false, nil
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false, fmt.Errorf("regions: malformed range %q", fields[0])
	}
	begin, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("regions: malformed address %q", addrs[0])
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("regions: malformed address %q", addrs[1])
	}

	perms := fields[1]
	if len(perms) < 4 || perms[0] != 'r' || perms[1] != 'w' || perms[3] != 'p' {
		return Region{}, false, nil
	}

	if len(fields) < 6 {
		return Region{}, false, nil
	}
	name := fields[5]
	if strings.HasPrefix(name, "[") {
		return Region{}, false, nil
	}

	return Region{
		Begin:        alignUp(uintptr(begin)),
		End:          alignDown(uintptr(end)),
		Name:         name,
		NameRelative: filepath.Base(name),
	}, true, nil
}

func alignUp(v uintptr) uintptr {
	return (v + wordSize - 1) &^ (wordSize - 1)
}

func alignDown(v uintptr) uintptr {
	return v &^ (wordSize - 1)
}
