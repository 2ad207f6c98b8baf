package threads

import (
	"bytes"
	"runtime"
	"strconv"
)

// CurrentID returns the runtime identifier of the calling goroutine. The
// identifier is stable for the goroutine's lifetime and never reused while
// it lives, which is all the registry needs to key per-thread state.
func CurrentID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// The header line reads "goroutine <id> [<state>]:".
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
