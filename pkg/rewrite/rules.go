package rewrite

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/errors"
)

// Rule is the declarative form of a Pattern as it appears in configuration.
// Exactly one of Literal and Regex must be set.
type Rule struct {
	Name            string `yaml:"name" json:"name" koanf:"name"`
	Literal         string `yaml:"literal,omitempty" json:"literal,omitempty" koanf:"literal"`
	Regex           string `yaml:"regex,omitempty" json:"regex,omitempty" koanf:"regex"`
	Replace         string `yaml:"replace" json:"replace" koanf:"replace"`
	Template        bool   `yaml:"template,omitempty" json:"template,omitempty" koanf:"template"`
	IgnoreCase      bool   `yaml:"ignore_case,omitempty" json:"ignore_case,omitempty" koanf:"ignore_case"`
	MaxReplacements int    `yaml:"max_replacements,omitempty" json:"max_replacements,omitempty" koanf:"max_replacements"`
}

// CompileRules builds patterns from rules in order. When Template is set the
// replacement may reference capture groups as $1, ${1} or ${name}; $$ is a
// literal dollar sign. A zero MaxReplacements in a rule means unbounded.
func CompileRules(rules []Rule, matchTimeout time.Duration, logger *zap.Logger) ([]*Pattern, error) {
	patterns := make([]*Pattern, 0, len(rules))

	for i, rule := range rules {
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i)
		}

		p, err := rule.compile(name, matchTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern %s: %w", name, err)
		}
		patterns = append(patterns, p)
	}

	return patterns, nil
}

func (r Rule) compile(name string, matchTimeout time.Duration, logger *zap.Logger) (*Pattern, error) {
	if (r.Literal == "") == (r.Regex == "") {
		return nil, errors.New(errors.KindValue, "exactly one of literal or regex must be set")
	}

	maxReplacements := r.MaxReplacements
	if maxReplacements == 0 {
		maxReplacements = -1
	}

	opts := []PatternOption{
		WithName(name),
		WithIgnoreCase(r.IgnoreCase),
		WithMaxReplacements(maxReplacements),
		WithMatchTimeout(matchTimeout),
		WithPatternLogger(logger),
	}

	var matcher any = r.Literal
	if r.Regex != "" {
		flags := regexp2.None
		if r.IgnoreCase {
			flags |= regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(r.Regex, flags)
		if err != nil {
			return nil, errors.Wrap(errors.KindValue, err, "invalid regex")
		}
		if matchTimeout > 0 {
			re.MatchTimeout = matchTimeout
		}
		matcher = re
		// the flag is compiled in above, keep NewPattern from warning about it
		opts = append(opts, WithIgnoreCase(false))
	}

	var replacement any = Literal(r.Replace)
	if r.Template {
		tmpl := parseTemplate(r.Replace)
		replacement = MatchFunc(func(m Match) (string, error) {
			return tmpl.expand(m), nil
		})
	}

	p, err := NewPattern(matcher, replacement, opts...)
	if err != nil {
		return nil, err
	}
	p.ignoreCase = r.IgnoreCase
	return p, nil
}

type templatePart struct {
	text  string
	group int
	name  string
	ref   bool
}

type template []templatePart

func parseTemplate(s string) template {
	var parts template
	var text strings.Builder

	flush := func() {
		if text.Len() > 0 {
			parts = append(parts, templatePart{text: text.String()})
			text.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) {
			text.WriteByte(s[i])
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			text.WriteByte('$')
			i++
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				text.WriteByte(s[i])
				continue
			}
			ref := s[i+2 : i+2+end]
			flush()
			if n, err := strconv.Atoi(ref); err == nil {
				parts = append(parts, templatePart{ref: true, group: n})
			} else {
				parts = append(parts, templatePart{ref: true, name: ref})
			}
			i += 2 + end
		case next >= '0' && next <= '9':
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			n, _ := strconv.Atoi(s[i+1 : j])
			flush()
			parts = append(parts, templatePart{ref: true, group: n})
			i = j - 1
		default:
			text.WriteByte(s[i])
		}
	}
	flush()

	return parts
}

func (t template) expand(m Match) string {
	var b strings.Builder
	for _, part := range t {
		switch {
		case !part.ref:
			b.WriteString(part.text)
		case part.name != "":
			b.WriteString(m.Named(part.name))
		default:
			b.WriteString(m.Group(part.group))
		}
	}
	return b.String()
}
