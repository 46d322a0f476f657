package pathrule

import (
	"errors"
	"strings"
	"testing"

	s3err "github.com/amazons3/amazons3/internal/errors"
)

func mustList(t *testing.T, name string, lines ...string) *RuleSet {
	t.Helper()
	rs, err := ParseList(name, lines)
	if err != nil {
		t.Fatalf("ParseList(%v) failed: %v", lines, err)
	}
	return rs
}

func TestMatchFirstRegisteredWins(t *testing.T) {
	rs := mustList(t, "torrent", "^media/.*", "^media/video/.*", ".*")

	r, ok := rs.Match("media/video/movie.mp4")
	if !ok {
		t.Fatal("Match returned no rule")
	}
	if r.Pattern() != "^media/.*" {
		t.Errorf("Match = %q, want first registered pattern", r.Pattern())
	}

	r, ok = rs.Match("docs/readme.txt")
	if !ok || r.Pattern() != ".*" {
		t.Errorf("Match(docs/readme.txt) = %v, %v; want catch-all", r, ok)
	}
}

func TestMatchOrderIsRegistrationOrder(t *testing.T) {
	// Reversing the registration order must change the winner.
	a := mustList(t, "a", "b/.*", "^a/b/.*")
	b := mustList(t, "b", "^a/b/.*", "b/.*")

	ra, _ := a.Match("a/b/c")
	rb, _ := b.Match("a/b/c")
	if ra.Pattern() != "b/.*" || rb.Pattern() != "^a/b/.*" {
		t.Errorf("winners = %q, %q", ra.Pattern(), rb.Pattern())
	}
}

func TestMatchIsUnanchored(t *testing.T) {
	rs := mustList(t, "force_download", "private/")
	if _, ok := rs.Match("files/private/doc.pdf"); !ok {
		t.Error("unanchored pattern should match in the middle of the path")
	}
	anchored := mustList(t, "force_download", "^private/")
	if _, ok := anchored.Match("files/private/doc.pdf"); ok {
		t.Error("anchored pattern should not match in the middle of the path")
	}
}

func TestEmptyAndNilSetsNeverMatch(t *testing.T) {
	if _, ok := NewRuleSet("empty").Match("anything"); ok {
		t.Error("empty rule set matched")
	}
	var nilSet *RuleSet
	if _, ok := nilSet.Match("anything"); ok {
		t.Error("nil rule set matched")
	}
	if nilSet.Len() != 0 || nilSet.Patterns() != nil {
		t.Error("nil rule set should be empty")
	}
}

func TestParseListInvalidPattern(t *testing.T) {
	_, err := ParseList("torrent", []string{"^ok/.*", "bad(["})
	var cfgErr *s3err.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
	if cfgErr.Field != "torrent" || cfgErr.Line != 2 || cfgErr.Value != "bad([" {
		t.Errorf("ConfigurationError = %+v", cfgErr)
	}
}

func TestNewPresignedRejectsNonPositiveTimeout(t *testing.T) {
	for _, timeout := range []int{0, -5} {
		if _, err := NewPresigned(timeout, "^tmp/.*"); err == nil {
			t.Errorf("NewPresigned(%d) succeeded, want error", timeout)
		}
	}
}

func TestParsePresignedList(t *testing.T) {
	rs, err := ParsePresignedList("presigned", []PresignedEntry{
		{Timeout: 60, Pattern: "^tmp/.*"},
		{Timeout: 3600, Pattern: ".*"},
	})
	if err != nil {
		t.Fatalf("ParsePresignedList: %v", err)
	}
	pr, ok := rs.MatchPresigned("tmp/a.png")
	if !ok || pr.Timeout() != 60 {
		t.Fatalf("MatchPresigned = %v, %v", pr, ok)
	}
	if v, _ := pr.Extra("timeout"); v != "60" {
		t.Errorf("Extra(timeout) = %q", v)
	}

	_, err = ParsePresignedList("presigned", []PresignedEntry{{Timeout: 0, Pattern: "x"}})
	var cfgErr *s3err.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Line != 1 || cfgErr.Value != "0|x" {
		t.Errorf("error = %v", err)
	}
}

func TestPresignedTextRoundTrip(t *testing.T) {
	text := "60|tmp/.*\n\n  3600|media/(a|b)/.*  \n"
	entries, err := ParsePresignedText("presigned", text)
	if err != nil {
		t.Fatalf("ParsePresignedText: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[1].Pattern != "media/(a|b)/.*" || entries[1].Timeout != 3600 {
		t.Errorf("entries[1] = %+v", entries[1])
	}
	if got := FormatPresignedList(entries); got != "60|tmp/.*\n3600|media/(a|b)/.*" {
		t.Errorf("FormatPresignedList = %q", got)
	}

	rs, err := ParsePresignedList("presigned", entries)
	if err != nil {
		t.Fatalf("ParsePresignedList: %v", err)
	}
	if got := PresignedEntries(rs); len(got) != 2 || got[0] != entries[0] {
		t.Errorf("PresignedEntries = %v", got)
	}
}

func TestParsePresignedTextErrors(t *testing.T) {
	tests := []struct {
		text     string
		wantLine int
	}{
		{"tmp/.*", 1},
		{"60|ok\nabc|tmp/.*", 2},
		{"60|ok\n\n\n0|tmp/.*", 4},
		{"\n60|ok\n\t\n30|([bad", 4},
	}
	for _, tt := range tests {
		_, err := ParsePresignedText("presigned", tt.text)
		var cfgErr *s3err.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("ParsePresignedText(%q) error = %v", tt.text, err)
		}
		if cfgErr.Line != tt.wantLine {
			t.Errorf("line = %d, want %d", cfgErr.Line, tt.wantLine)
		}
		if !strings.Contains(cfgErr.Error(), "presigned") {
			t.Errorf("error %q does not name the rule set", cfgErr.Error())
		}
	}
}

func TestSplitLinesAndFormatList(t *testing.T) {
	lines := SplitLines(" a/.* \r\n\n b/.*\n")
	if len(lines) != 2 || lines[0] != "a/.*" || lines[1] != "b/.*" {
		t.Fatalf("SplitLines = %q", lines)
	}
	if got := FormatList(lines); got != "a/.*\nb/.*" {
		t.Errorf("FormatList = %q", got)
	}
}

func TestParseTextCountsBlankLines(t *testing.T) {
	tests := []struct {
		text     string
		wantLine int
	}{
		{"([bad", 1},
		{"ok/\n([bad", 2},
		{"ok/\n\n  \n([bad", 4},
		{"\r\nok/\r\n([bad\r\n", 3},
	}
	for _, tt := range tests {
		_, err := ParseText("rules.torrent_text", tt.text)
		var cfgErr *s3err.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("ParseText(%q) error = %v", tt.text, err)
		}
		if cfgErr.Line != tt.wantLine || cfgErr.Field != "rules.torrent_text" {
			t.Errorf("ParseText(%q) = %s line %d, want rules.torrent_text line %d", tt.text, cfgErr.Field, cfgErr.Line, tt.wantLine)
		}
	}

	rs, err := ParseText("rules.torrent_text", "\n\\.mp4$\n\n\\.mov$\n")
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if got := rs.Patterns(); len(got) != 2 || got[0] != `\.mp4$` || got[1] != `\.mov$` {
		t.Errorf("Patterns = %q", got)
	}
}

func TestMergeKeepsOrder(t *testing.T) {
	list := mustList(t, "a", "^x/", "^y/")
	text, err := ParseText("a_text", "^y/z\n^w/")
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	merged := Merge("rules.a", list, nil, text)
	if merged.Name() != "rules.a" || merged.Len() != 4 {
		t.Fatalf("Merge = %s with %d rules", merged.Name(), merged.Len())
	}
	r, ok := merged.Match("y/z/1")
	if !ok || r.Pattern() != "^y/" {
		t.Errorf("Match(y/z/1) = %v, %v; want the list rule", r, ok)
	}
	if _, ok := merged.Match("w/1"); !ok {
		t.Error("text rule did not match")
	}
}
