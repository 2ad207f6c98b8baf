package suppression

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
)

//go:embed default_system_libraries.json
var defaultSystemLibraries []byte

// SystemLibraries recognises first-party (system) binaries by path. Records
// first observed inside a system image are always suppressed.
type SystemLibraries struct {
	mu       sync.Mutex
	patterns []*regexp.Regexp
	cache    map[string]bool
}

// LoadSystemLibraries parses the embedded defaults plus every user file
// (each a JSON array of regex strings over absolute binary paths).
func LoadSystemLibraries(paths []string) (*SystemLibraries, error) {
	s := &SystemLibraries{cache: make(map[string]bool)}
	if err := s.addJSON(defaultSystemLibraries); err != nil {
		panic(fmt.Sprintf("suppression: embedded system libraries: %v", err))
	}

	var firstErr error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("suppression: %w", err)
			}
			continue
		}
		if err := s.addJSON(data); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("suppression: %s: %w", path, err)
			}
		}
	}
	return s, firstErr
}

func (s *SystemLibraries) addJSON(data []byte) error {
	var patterns []string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return err
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		s.patterns = append(s.patterns, re)
	}
	return nil
}

// IsFirstParty reports whether the binary path belongs to a system image.
// Results are memoised per path; caching can be bypassed for one-shot
// queries during suppression development.
func (s *SystemLibraries) IsFirstParty(path string, useCache bool) bool {
	if path == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if useCache {
		if hit, ok := s.cache[path]; ok {
			return hit
		}
	}
	match := false
	for _, re := range s.patterns {
		if re.MatchString(path) {
			match = true
			break
		}
	}
	if useCache {
		s.cache[path] = match
	}
	return match
}
