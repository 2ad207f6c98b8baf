package suppression

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/leakscope/leakscope/internal/functioninfo"
	"github.com/leakscope/leakscope/internal/record"
)

//go:embed default_suppressions.json
var defaultSuppressions []byte

// SchemaConstraint is the accepted range of the optional suppression-file
// schema version.
const SchemaConstraint = "^1"

// ErrFunctionNotFound marks a suppression whose named function could not be
// resolved; the rule is skipped, not fatal.
type ErrFunctionNotFound struct {
	Function    string
	Suppression string
}

func (e *ErrFunctionNotFound) Error() string {
	return fmt.Sprintf("suppression %q: function %q not found", e.Suppression, e.Function)
}

// rawSuppression is the JSON shape of one rule (spec §6.3).
type rawSuppression struct {
	Name      *string           `json:"name"`
	Size      *uintptr          `json:"size"`
	Type      *int              `json:"type"`
	ImageName *string           `json:"imageName"`
	Functions []json.RawMessage `json:"functions"`
}

// envelope is the optional versioned file wrapper.
type envelope struct {
	Version      string            `json:"version"`
	Suppressions []json.RawMessage `json:"suppressions"`
}

// Warner receives non-fatal load diagnostics.
type Warner func(format string, args ...any)

// Loader turns suppression sources into compiled rules.
type Loader struct {
	// DeveloperMode enables the skipped-rule warnings.
	DeveloperMode bool
	// Warn receives diagnostics; nil silences them.
	Warn Warner
}

func (l *Loader) warnf(format string, args ...any) {
	if l.Warn != nil && l.DeveloperMode {
		l.Warn(format, args...)
	}
}

// LoadDefaults parses the rules baked into the binary.
func (l *Loader) LoadDefaults() []Suppression {
	rules, err := l.parse(defaultSuppressions)
	if err != nil {
		// The embedded resources are part of the binary; a parse error
		// here is a build defect, not user input.
		panic(fmt.Sprintf("suppression: embedded defaults: %v", err))
	}
	return rules
}

// LoadFile parses one user-supplied suppression file. Parse errors abort
// that file's load; unresolvable functions only skip their rule.
func (l *Loader) LoadFile(path string) ([]Suppression, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("suppression: %w", err)
	}
	rules, err := l.parse(data)
	if err != nil {
		return nil, fmt.Errorf("suppression: %s: %w", path, err)
	}
	return rules, nil
}

// Load assembles the full rule list: defaults first, then every user file.
// A failing file is reported through err but does not prevent the other
// files from loading.
func (l *Loader) Load(paths []string) ([]Suppression, error) {
	rules := l.LoadDefaults()
	var firstErr error
	for _, path := range paths {
		fileRules, err := l.LoadFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rules = append(rules, fileRules...)
	}
	return rules, firstErr
}

func (l *Loader) parse(data []byte) ([]Suppression, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Version != "" {
		if err := checkSchemaVersion(env.Version); err != nil {
			return nil, err
		}
		return l.parseRawList(env.Suppressions)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return l.parseRawList(list)
	}

	var single json.RawMessage
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return l.parseRawList([]json.RawMessage{single})
}

func checkSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("unsupported schema version %s (supported: %s)", version, SchemaConstraint)
	}
	return nil
}

func (l *Loader) parseRawList(raws []json.RawMessage) ([]Suppression, error) {
	out := make([]Suppression, 0, len(raws))
	for _, raw := range raws {
		var rs rawSuppression
		if err := json.Unmarshal(raw, &rs); err != nil {
			return nil, err
		}
		rule, err := l.compile(&rs)
		if err != nil {
			var notFound *ErrFunctionNotFound
			if ok := asFunctionNotFound(err, &notFound); ok {
				l.warnf("skipping %v", notFound)
				continue
			}
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, nil
}

func asFunctionNotFound(err error, target **ErrFunctionNotFound) bool {
	nf, ok := err.(*ErrFunctionNotFound)
	if ok {
		*target = nf
	}
	return ok
}

func (l *Loader) compile(rs *rawSuppression) (*Suppression, error) {
	rule := &Suppression{Name: "<unnamed>"}
	if rs.Name != nil {
		rule.Name = *rs.Name
	}
	rule.Size = rs.Size

	if rs.Type != nil {
		if *rs.Type < 0 || *rs.Type >= record.KindCount {
			return nil, fmt.Errorf("suppression %q: not a leak type: %d", rule.Name, *rs.Type)
		}
		kind := record.LeakKind(*rs.Type)
		rule.Kind = &kind
	}

	if rs.ImageName != nil {
		re, err := regexp.Compile(*rs.ImageName)
		if err != nil {
			return nil, fmt.Errorf("suppression %q: imageName: %w", rule.Name, err)
		}
		rule.Image = re
	}

	if rs.ImageName == nil && rs.Functions == nil {
		return nil, fmt.Errorf("suppression %q needs either 'imageName' or 'functions'", rule.Name)
	}
	if rs.Functions != nil && len(rs.Functions) == 0 {
		return nil, fmt.Errorf("suppression %q: function array empty", rule.Name)
	}

	for _, rawFrame := range rs.Functions {
		frame, err := l.compileFrame(rawFrame, rule.Name)
		if err != nil {
			return nil, err
		}
		if frame.Kind == MatchLibrary {
			rule.HasRegexes = true
		}
		rule.Frames = append(rule.Frames, frame)
	}
	return rule, nil
}

// rawFrame is the JSON shape of one frame matcher.
type rawFrame struct {
	Name         *string         `json:"name"`
	Offset       *int64          `json:"offset"`
	Library      *string         `json:"library"`
	LibraryRegex json.RawMessage `json:"libraryRegex"`
}

func (l *Loader) compileFrame(raw json.RawMessage, suppName string) (FrameMatcher, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return rangeMatcher(bare, nil, "", suppName)
	}

	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return FrameMatcher{}, fmt.Errorf("suppression %q: unsupported value in function array", suppName)
	}
	if rf.Name != nil {
		library := ""
		if rf.Library != nil {
			library = *rf.Library
		}
		return rangeMatcher(*rf.Name, rf.Offset, library, suppName)
	}
	if rf.LibraryRegex == nil {
		return FrameMatcher{}, fmt.Errorf("suppression %q: unsupported value in function array", suppName)
	}
	return libraryMatcher(rf.LibraryRegex, suppName)
}

func rangeMatcher(name string, offset *int64, library, suppName string) (FrameMatcher, error) {
	info := functioninfo.LoadHint(name, library)
	if !info.Found {
		return FrameMatcher{}, &ErrFunctionNotFound{Function: name, Suppression: suppName}
	}
	if offset != nil {
		return FrameMatcher{
			Kind:  MatchRange,
			Begin: info.Begin + uintptr(*offset),
		}, nil
	}
	return FrameMatcher{
		Kind:   MatchRange,
		Begin:  info.Begin,
		Length: info.Length,
	}, nil
}

func libraryMatcher(raw json.RawMessage, suppName string) (FrameMatcher, error) {
	var patterns []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		patterns = []string{single}
	} else if err := json.Unmarshal(raw, &patterns); err != nil {
		return FrameMatcher{}, fmt.Errorf(
			"suppression %q: library regex value is neither an array nor a (regex) string", suppName)
	}

	matcher := FrameMatcher{Kind: MatchLibrary}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return FrameMatcher{}, fmt.Errorf("suppression %q: libraryRegex: %w", suppName, err)
		}
		matcher.Libraries = append(matcher.Libraries, re)
	}
	return matcher, nil
}
