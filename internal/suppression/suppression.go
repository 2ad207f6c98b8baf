// Package suppression loads and matches the declarative rules that silence
// leaks whose allocation context is known and accepted.
package suppression

import (
	"regexp"

	"github.com/leakscope/leakscope/internal/record"
)

// FrameMatcherKind discriminates the two frame matcher forms.
type FrameMatcherKind int

const (
	// MatchRange matches a frame whose return address lies in an address
	// range resolved from a function name.
	MatchRange FrameMatcherKind = iota
	// MatchLibrary matches a frame whose containing binary path matches
	// any of a set of regexes.
	MatchLibrary
)

// FrameMatcher matches one position of a callstack window.
type FrameMatcher struct {
	Kind FrameMatcherKind

	// Range matcher: [Begin, Begin+Length], inclusive; Length 0 means an
	// exact address match.
	Begin  uintptr
	Length uintptr

	// Library matcher.
	Libraries []*regexp.Regexp
}

func (m FrameMatcher) matches(pc uintptr, binary string) bool {
	switch m.Kind {
	case MatchRange:
		return pc >= m.Begin && pc <= m.Begin+m.Length
	case MatchLibrary:
		for _, re := range m.Libraries {
			if re.MatchString(binary) {
				return true
			}
		}
	}
	return false
}

// Suppression is one declarative rule.
type Suppression struct {
	// Name identifies the rule in diagnostics.
	Name string
	// Size, when set, must equal the record's size exactly.
	Size *uintptr
	// Kind, when set, must equal the record's leak kind.
	Kind *record.LeakKind
	// Image, when set, must match the record's absolute image name; a record
	// without an image name is not rejected by it.
	Image *regexp.Regexp
	// Frames is the callstack window; empty means the image match decides.
	Frames []FrameMatcher
	// HasRegexes notes whether any frame matcher needs binary resolution.
	HasRegexes bool
}

// BinaryResolver maps a frame's return address to the absolute path of its
// containing binary.
type BinaryResolver func(pc uintptr) string

// Match reports whether the suppression covers the record. All declared
// predicates must hold; a non-empty frame list additionally needs a
// contiguous window of the allocation stack covered frame for frame.
func (s *Suppression) Match(info *record.Allocation, resolve BinaryResolver) bool {
	if s.Size != nil && info.Size != *s.Size {
		return false
	}
	if s.Kind != nil && info.Kind != *s.Kind {
		return false
	}
	if s.Image != nil && info.Image.Absolute != "" && !s.Image.MatchString(info.Image.Absolute) {
		return false
	}
	if len(s.Frames) == 0 {
		// A pure predicate rule needs an observed image to anchor on.
		return info.Image.Absolute != ""
	}
	return s.matchStack(info.Stack, resolve)
}

func (s *Suppression) matchStack(stack []uintptr, resolve BinaryResolver) bool {
	if len(s.Frames) > len(stack) {
		return false
	}
	for start := 0; start+len(s.Frames) <= len(stack); start++ {
		if s.matchWindow(stack[start:], resolve) {
			return true
		}
	}
	return false
}

func (s *Suppression) matchWindow(stack []uintptr, resolve BinaryResolver) bool {
	for j, matcher := range s.Frames {
		binary := ""
		if matcher.Kind == MatchLibrary && resolve != nil {
			binary = resolve(stack[j])
		}
		if !matcher.matches(stack[j], binary) {
			return false
		}
	}
	return true
}
