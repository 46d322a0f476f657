// Package pathrule implements ordered path-pattern rule sets.
//
// A rule set is an ordered list of regular expressions. Match returns the
// first registered rule whose pattern matches anywhere in the path (the
// pattern is not implicitly anchored), so an earlier rule always overrides a
// later, overlapping one.
package pathrule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// Rule is a single path rule. Both *Pattern and *PresignedRule satisfy it.
type Rule interface {
	// Pattern returns the raw pattern string as configured.
	Pattern() string
	// MatchString reports whether the rule matches the given local path.
	MatchString(path string) bool
}

// Pattern is a compiled path pattern with optional metadata.
type Pattern struct {
	raw   string
	re    *regexp.Regexp
	extra map[string]string
}

// Compile compiles pattern into a Pattern. extra may be nil.
func Compile(pattern string, extra map[string]string) (*Pattern, error) {
	if pattern == "" {
		return nil, errors.New("empty pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	var cp map[string]string
	if len(extra) > 0 {
		cp = make(map[string]string, len(extra))
		for k, v := range extra {
			cp[k] = v
		}
	}
	return &Pattern{raw: pattern, re: re, extra: cp}, nil
}

// Pattern returns the raw pattern string.
func (p *Pattern) Pattern() string { return p.raw }

// MatchString reports whether the pattern matches anywhere in path.
func (p *Pattern) MatchString(path string) bool { return p.re.MatchString(path) }

// Extra returns the metadata value stored under key.
func (p *Pattern) Extra(key string) (string, bool) {
	v, ok := p.extra[key]
	return v, ok
}

// PresignedRule is a Pattern with a URL lifetime.
type PresignedRule struct {
	pat     *Pattern
	timeout int
}

// NewPresigned builds a PresignedRule. timeout is in seconds and must be
// positive.
func NewPresigned(timeout int, pattern string) (*PresignedRule, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be a positive integer, got %d", timeout)
	}
	p, err := Compile(pattern, map[string]string{"timeout": strconv.Itoa(timeout)})
	if err != nil {
		return nil, err
	}
	return &PresignedRule{pat: p, timeout: timeout}, nil
}

// Pattern returns the raw pattern string.
func (r *PresignedRule) Pattern() string { return r.pat.raw }

// MatchString reports whether the rule matches anywhere in path.
func (r *PresignedRule) MatchString(path string) bool { return r.pat.MatchString(path) }

// Extra returns the metadata value stored under key.
func (r *PresignedRule) Extra(key string) (string, bool) { return r.pat.Extra(key) }

// Timeout returns the URL lifetime in seconds.
func (r *PresignedRule) Timeout() int { return r.timeout }

// RuleSet is an ordered collection of rules. It is immutable once built and
// safe for concurrent use.
type RuleSet struct {
	name  string
	rules []Rule
}

// NewRuleSet builds a rule set from rules in registration order.
func NewRuleSet(name string, rules ...Rule) *RuleSet {
	return &RuleSet{name: name, rules: append([]Rule(nil), rules...)}
}

// Merge concatenates sets into one rule set called name, keeping the order
// of sets and of the rules within each.
func Merge(name string, sets ...*RuleSet) *RuleSet {
	var rules []Rule
	for _, set := range sets {
		rules = append(rules, set.Rules()...)
	}
	return &RuleSet{name: name, rules: rules}
}

// Name returns the rule set name ("force_download", "torrent", ...).
func (s *RuleSet) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the first rule matching path. A nil or empty set never
// matches.
func (s *RuleSet) Match(path string) (Rule, bool) {
	if s == nil {
		return nil, false
	}
	for _, r := range s.rules {
		if r.MatchString(path) {
			return r, true
		}
	}
	return nil, false
}

// MatchPresigned is Match for rule sets holding PresignedRules.
func (s *RuleSet) MatchPresigned(path string) (*PresignedRule, bool) {
	r, ok := s.Match(path)
	if !ok {
		return nil, false
	}
	pr, ok := r.(*PresignedRule)
	return pr, ok
}

// Rules returns a copy of the rules in registration order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// Patterns returns the raw patterns in registration order.
func (s *RuleSet) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Pattern()
	}
	return out
}

// ParseList compiles a list of patterns into a rule set. Failures are
// reported as *errors.ConfigurationError naming the rule set and the 1-based
// line of the offending pattern.
func ParseList(name string, lines []string) (*RuleSet, error) {
	rules := make([]Rule, 0, len(lines))
	for i, line := range lines {
		p, err := Compile(line, nil)
		if err != nil {
			return nil, &s3err.ConfigurationError{Field: name, Line: i + 1, Value: line, Err: err}
		}
		rules = append(rules, p)
	}
	return NewRuleSet(name, rules...), nil
}

// PresignedEntry is the structured form of a presigned rule.
type PresignedEntry struct {
	Timeout int    `yaml:"timeout" json:"timeout"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// ParsePresignedList compiles presigned entries into a rule set.
func ParsePresignedList(name string, entries []PresignedEntry) (*RuleSet, error) {
	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		r, err := NewPresigned(e.Timeout, e.Pattern)
		if err != nil {
			return nil, &s3err.ConfigurationError{
				Field: name,
				Line:  i + 1,
				Value: FormatPresignedLine(e),
				Err:   err,
			}
		}
		rules = append(rules, r)
	}
	return NewRuleSet(name, rules...), nil
}
