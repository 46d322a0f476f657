package pathrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

// Line is a non-blank line of the legacy text form. Number is its 1-based
// position in the original text, blank lines included.
type Line struct {
	Number int
	Text   string
}

// NumberedLines splits text into trimmed, non-empty lines that keep their
// original line numbers.
func NumberedLines(text string) []Line {
	var out []Line
	for i, raw := range strings.Split(text, "\n") {
		if line := strings.TrimSpace(raw); line != "" {
			out = append(out, Line{Number: i + 1, Text: line})
		}
	}
	return out
}

// SplitLines splits the legacy one-rule-per-line text form into trimmed,
// non-empty lines.
func SplitLines(text string) []string {
	lines := NumberedLines(text)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

// ParseText compiles the legacy text form of a pattern list. Errors carry
// the line number as written, blank lines included.
func ParseText(name, text string) (*RuleSet, error) {
	lines := NumberedLines(text)
	rules := make([]Rule, 0, len(lines))
	for _, l := range lines {
		p, err := Compile(l.Text, nil)
		if err != nil {
			return nil, &s3err.ConfigurationError{Field: name, Line: l.Number, Value: l.Text, Err: err}
		}
		rules = append(rules, p)
	}
	return NewRuleSet(name, rules...), nil
}

// ParsePresignedLine decodes a "timeout|pattern" line. The line is split on
// the first '|' only, so the pattern itself may use alternation.
func ParsePresignedLine(line string) (PresignedEntry, error) {
	ts, pattern, ok := strings.Cut(line, "|")
	if !ok {
		return PresignedEntry{}, fmt.Errorf("expected <timeout>|<pattern>")
	}
	timeout, err := strconv.Atoi(strings.TrimSpace(ts))
	if err != nil {
		return PresignedEntry{}, fmt.Errorf("timeout %q is not an integer", ts)
	}
	return PresignedEntry{Timeout: timeout, Pattern: strings.TrimSpace(pattern)}, nil
}

// ParsePresignedText decodes and validates the legacy text form of
// presigned rules. Errors carry the line number as written.
func ParsePresignedText(name, text string) ([]PresignedEntry, error) {
	lines := NumberedLines(text)
	entries := make([]PresignedEntry, 0, len(lines))
	for _, l := range lines {
		e, err := ParsePresignedLine(l.Text)
		if err == nil {
			_, err = NewPresigned(e.Timeout, e.Pattern)
		}
		if err != nil {
			var cfgErr *s3err.ConfigurationError
			if errors.As(err, &cfgErr) {
				err = cfgErr.Err
			}
			return nil, &s3err.ConfigurationError{Field: name, Line: l.Number, Value: l.Text, Err: err}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// FormatPresignedLine encodes an entry as "timeout|pattern".
func FormatPresignedLine(e PresignedEntry) string {
	return strconv.Itoa(e.Timeout) + "|" + e.Pattern
}

// FormatList renders patterns in the legacy text form.
func FormatList(patterns []string) string {
	return strings.Join(patterns, "\n")
}

// FormatPresignedList renders presigned entries in the legacy text form.
func FormatPresignedList(entries []PresignedEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = FormatPresignedLine(e)
	}
	return strings.Join(lines, "\n")
}

// PresignedEntries returns the structured form of a presigned rule set.
func PresignedEntries(s *RuleSet) []PresignedEntry {
	var out []PresignedEntry
	for _, r := range s.Rules() {
		if pr, ok := r.(*PresignedRule); ok {
			out = append(out, PresignedEntry{Timeout: pr.Timeout(), Pattern: pr.Pattern()})
		}
	}
	return out
}
