package leakscope

import "sync"

// The process-wide default sanitizer, created by Init. Mirrors the global
// allocator entry points so client code can call the interposed surface
// without threading a Sanitizer value everywhere.
var (
	defaultMu        sync.Mutex
	defaultSanitizer *Sanitizer
)

// Init creates the default sanitizer. Calling it twice returns the existing
// instance.
func Init() (*Sanitizer, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultSanitizer != nil {
		return defaultSanitizer, nil
	}
	s, err := New()
	if err != nil {
		return nil, err
	}
	defaultSanitizer = s
	return s, nil
}

// Default returns the default sanitizer, or nil before Init.
func Default() *Sanitizer {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSanitizer
}

func mustDefault() *Sanitizer {
	s := Default()
	if s == nil {
		panic("leakscope: Init has not been called")
	}
	return s
}

// Malloc allocates through the default sanitizer.
func Malloc(size uintptr) uintptr {
	return mustDefault().Malloc(size)
}

// Calloc allocates zero-initialised memory through the default sanitizer.
func Calloc(count, size uintptr) uintptr {
	return mustDefault().Calloc(count, size)
}

// Realloc resizes through the default sanitizer.
func Realloc(ptr, size uintptr) uintptr {
	return mustDefault().Realloc(ptr, size)
}

// Free releases through the default sanitizer.
func Free(ptr uintptr) {
	mustDefault().Free(ptr)
}

// Exit terminates the process through the default sanitizer's teardown.
func Exit(code int) {
	mustDefault().Exit(code)
}
