package rewrite

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/errors"
)

// Literal is replacement text inserted verbatim. It is never expanded as a
// back-reference template.
type Literal string

// ValueFunc produces replacement text without looking at the match.
type ValueFunc func() (string, error)

// MatchFunc produces replacement text from the match.
type MatchFunc func(Match) (string, error)

type replacementKind int

const (
	replaceLiteral replacementKind = iota
	replaceValue
	replaceMatch
)

func (k replacementKind) String() string {
	switch k {
	case replaceLiteral:
		return "literal"
	case replaceValue:
		return "value"
	case replaceMatch:
		return "match"
	default:
		return "unknown"
	}
}

// replacement is resolved once when the pattern is built so no per-match
// dispatch on the caller's value is needed.
type replacement struct {
	kind    replacementKind
	literal string
	value   ValueFunc
	match   MatchFunc
}

// Match describes one occurrence of a pattern. Offsets are in characters
// relative to the text being rewritten.
type Match struct {
	Text   string
	Index  int
	Length int

	groups []string
	named  map[string]string
}

// Group returns the text of capture group n, or "" if it did not participate.
// Group(0) is the whole match.
func (m Match) Group(n int) string {
	if n == 0 {
		return m.Text
	}
	if n < 0 || n >= len(m.groups) {
		return ""
	}
	return m.groups[n]
}

// Named returns the text of a named capture group.
func (m Match) Named(name string) string {
	return m.named[name]
}

// End returns the offset just past the match.
func (m Match) End() int {
	return m.Index + m.Length
}

func newMatch(m *regexp2.Match) Match {
	result := Match{
		Text:   m.String(),
		Index:  m.Index,
		Length: m.Length,
	}

	groups := m.Groups()
	result.groups = make([]string, len(groups))
	for i, g := range groups {
		if len(g.Captures) == 0 {
			continue
		}
		result.groups[i] = g.String()
		if g.Name != "" && (g.Name[0] < '0' || g.Name[0] > '9') {
			if result.named == nil {
				result.named = make(map[string]string)
			}
			result.named[g.Name] = g.String()
		}
	}
	return result
}

// Pattern is an immutable match-and-replace rule applied to response text.
type Pattern struct {
	name            string
	re              *regexp2.Regexp
	replacement     replacement
	ignoreCase      bool
	maxReplacements int
}

type patternOptions struct {
	name            string
	ignoreCase      bool
	maxReplacements int
	matchTimeout    time.Duration
	logger          *zap.Logger
}

// PatternOption configures NewPattern.
type PatternOption func(*patternOptions)

// WithIgnoreCase makes literal matchers case-insensitive. For pre-compiled
// expressions the flag is advisory: a warning is logged unless the source
// starts with an inline (?i) group. regexp2 does not expose compile options,
// so an expression compiled with regexp2.IgnoreCase still gets the warning;
// write (?i) into the expression instead.
func WithIgnoreCase(ignore bool) PatternOption {
	return func(o *patternOptions) { o.ignoreCase = ignore }
}

// WithMaxReplacements caps substitutions per pattern per ApplyPatterns call.
// Negative means unbounded.
func WithMaxReplacements(n int) PatternOption {
	return func(o *patternOptions) { o.maxReplacements = n }
}

// WithName sets the name used in logs and statistics.
func WithName(name string) PatternOption {
	return func(o *patternOptions) { o.name = name }
}

// WithMatchTimeout bounds the time a single match may take. It only applies
// to expressions compiled by this package.
func WithMatchTimeout(d time.Duration) PatternOption {
	return func(o *patternOptions) { o.matchTimeout = d }
}

// WithPatternLogger sets the logger used for construction warnings.
func WithPatternLogger(logger *zap.Logger) PatternOption {
	return func(o *patternOptions) { o.logger = logger }
}

// NewPattern builds a pattern.
//
// matcher is literal text (matched exactly), a *regexp2.Regexp, or a
// *regexp.Regexp. replacement is a string, Literal, ValueFunc, MatchFunc, or a
// plain function with one of the signatures func() string,
// func() (string, error), func(Match) string, func(Match) (string, error).
func NewPattern(matcher any, replacement any, opts ...PatternOption) (*Pattern, error) {
	o := patternOptions{maxReplacements: -1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	re, err := compileMatcher(matcher, &o)
	if err != nil {
		return nil, err
	}

	repl, err := resolveReplacement(replacement)
	if err != nil {
		return nil, err
	}

	name := o.name
	if name == "" {
		name = re.String()
	}

	return &Pattern{
		name:            name,
		re:              re,
		replacement:     repl,
		ignoreCase:      o.ignoreCase,
		maxReplacements: o.maxReplacements,
	}, nil
}

func compileMatcher(matcher any, o *patternOptions) (*regexp2.Regexp, error) {
	switch m := matcher.(type) {
	case string:
		flags := regexp2.None
		if o.ignoreCase {
			flags |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(regexp2.Escape(m), flags)
		if err != nil {
			return nil, errors.Wrap(errors.KindValue, err, fmt.Sprintf("failed to compile pattern %q", m))
		}
		if o.matchTimeout > 0 {
			re.MatchTimeout = o.matchTimeout
		}
		return re, nil

	case *regexp2.Regexp:
		if m == nil {
			break
		}
		if o.ignoreCase && !hasInlineIgnoreCase(m.String()) {
			warnIgnoreCase(o.logger, m.String())
		}
		return m, nil

	case *regexp.Regexp:
		if m == nil {
			break
		}
		re, err := regexp2.Compile(m.String(), regexp2.RE2)
		if err != nil {
			return nil, errors.Wrap(errors.KindValue, err, fmt.Sprintf("failed to compile pattern %q", m.String()))
		}
		if o.matchTimeout > 0 {
			re.MatchTimeout = o.matchTimeout
		}
		if o.ignoreCase && !foldsCase(m.String()) {
			warnIgnoreCase(o.logger, m.String())
		}
		return re, nil
	}

	return nil, errors.New(errors.KindType, "matcher must be literal text or a compiled pattern")
}

func resolveReplacement(r any) (replacement, error) {
	switch fn := r.(type) {
	case string:
		return replacement{kind: replaceLiteral, literal: fn}, nil
	case Literal:
		return replacement{kind: replaceLiteral, literal: string(fn)}, nil
	case ValueFunc:
		if fn != nil {
			return replacement{kind: replaceValue, value: fn}, nil
		}
	case func() (string, error):
		if fn != nil {
			return replacement{kind: replaceValue, value: fn}, nil
		}
	case func() string:
		if fn != nil {
			return replacement{kind: replaceValue, value: func() (string, error) { return fn(), nil }}, nil
		}
	case MatchFunc:
		if fn != nil {
			return replacement{kind: replaceMatch, match: fn}, nil
		}
	case func(Match) (string, error):
		if fn != nil {
			return replacement{kind: replaceMatch, match: fn}, nil
		}
	case func(Match) string:
		if fn != nil {
			return replacement{kind: replaceMatch, match: func(m Match) (string, error) { return fn(m), nil }}, nil
		}
	}

	return replacement{}, errors.New(errors.KindType, "replacement must be text or callable")
}

func warnIgnoreCase(logger *zap.Logger, source string) {
	logger.Warn("ignore_case requested but pattern already compiled without IgnoreCase",
		zap.String("pattern", source),
	)
}

// hasInlineIgnoreCase reports whether a regexp2 expression enables
// case-insensitivity through a leading inline option group such as (?i) or
// (?si:...). Options passed to regexp2.Compile are not observable.
func hasInlineIgnoreCase(source string) bool {
	if !strings.HasPrefix(source, "(?") {
		return false
	}
	for _, c := range source[2:] {
		switch {
		case c == 'i':
			return true
		case c == '-' || c == ')' || c == ':':
			return false
		case c < 'a' || c > 'z':
			return false
		}
	}
	return false
}

// foldsCase reports whether any part of a standard library expression matches
// case-insensitively.
func foldsCase(source string) bool {
	parsed, err := syntax.Parse(source, syntax.Perl)
	if err != nil {
		return false
	}

	var walk func(*syntax.Regexp) bool
	walk = func(re *syntax.Regexp) bool {
		if re.Flags&syntax.FoldCase != 0 && (re.Op == syntax.OpLiteral || re.Op == syntax.OpCharClass) {
			return true
		}
		for _, sub := range re.Sub {
			if walk(sub) {
				return true
			}
		}
		return false
	}
	return walk(parsed)
}

// Name returns the pattern's name, defaulting to its expression source.
func (p *Pattern) Name() string {
	return p.name
}

// Source returns the compiled expression source.
func (p *Pattern) Source() string {
	return p.re.String()
}

// IgnoreCase reports whether case-insensitivity was requested.
func (p *Pattern) IgnoreCase() bool {
	return p.ignoreCase
}

// MaxReplacements returns the per-call substitution cap; negative is unbounded.
func (p *Pattern) MaxReplacements() int {
	return p.maxReplacements
}

// Resolve returns the replacement text for m. A panicking replacement
// function is reported as an error.
func (p *Pattern) Resolve(m Match) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replacement for pattern %s panicked: %v", p.name, r)
		}
	}()

	switch p.replacement.kind {
	case replaceLiteral:
		return p.replacement.literal, nil
	case replaceValue:
		return p.replacement.value()
	case replaceMatch:
		return p.replacement.match(m)
	default:
		return "", fmt.Errorf("unexpected replacement kind %s", p.replacement.kind)
	}
}
