// Package derivative builds and parses the routes of the external
// derivative-image endpoint.
//
// Derivative images live under styles/<style>/<file> in the same bucket as
// their source. Until the generator has written one, requests for it are sent
// to <base>/<prefix>/<bucket>/styles/<style>/<file>, where the generator
// produces the image and redirects to its object URL.
package derivative

import (
	"net/url"
	"path"
	"strings"
)

// DefaultPrefix is the route prefix of the derivative endpoint.
const DefaultPrefix = "amazons3/image-derivative"

// StylesDir is the first path segment of every derivative key.
const StylesDir = "styles"

// Route builds absolute derivative endpoint URLs.
type Route struct {
	// BaseURL is the absolute site URL, e.g. "https://example.com".
	BaseURL string
	// Prefix is the route prefix; DefaultPrefix when empty.
	Prefix string
}

func (r Route) prefix() string {
	p := strings.Trim(r.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// URL returns the absolute endpoint URL for an object path in bucket. Each
// path segment is escaped individually.
func (r Route) URL(bucket, objectPath string) string {
	segs := strings.Split(strings.Trim(objectPath, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	base := strings.TrimRight(r.BaseURL, "/")
	return base + "/" + r.prefix() + "/" + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

// IsDerivativePath reports whether objectPath is inside the styles tree.
func IsDerivativePath(objectPath string) bool {
	first, _, _ := strings.Cut(strings.TrimLeft(objectPath, "/"), "/")
	return first == StylesDir
}

// Inbound is a parsed request to the derivative endpoint.
type Inbound struct {
	Bucket string
	Style  string
	// File is the source object path the derivative is generated from.
	File string
}

// Key returns the derivative object key for the request.
func (in Inbound) Key() string {
	return Key(in.Style, in.File)
}

// ParseInbound parses /<prefix>/<bucket>/styles/<style>/<file...>. It reports
// false for paths outside prefix and for paths missing any component.
func ParseInbound(prefix, requestPath string) (Inbound, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	rest, ok := strings.CutPrefix(strings.TrimLeft(requestPath, "/"), prefix+"/")
	if !ok {
		return Inbound{}, false
	}

	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 4 || parts[1] != StylesDir {
		return Inbound{}, false
	}
	in := Inbound{Bucket: parts[0], Style: parts[2], File: strings.Trim(parts[3], "/")}
	if in.Bucket == "" || in.Style == "" || in.File == "" {
		return Inbound{}, false
	}
	return in, true
}

// Key returns the object key a derivative of file in style is written to.
func Key(style, file string) string {
	return StylesDir + "/" + style + "/" + strings.TrimLeft(file, "/")
}

// SourceCandidates returns the source keys to try for file, in order. A style
// that converts the image format appends the new extension to the original
// name (image.png.jpeg), so the extension-stripped name is the fallback.
func SourceCandidates(file string) []string {
	file = strings.TrimLeft(file, "/")
	candidates := []string{file}
	if ext := path.Ext(file); ext != "" {
		stripped := strings.TrimSuffix(file, ext)
		if path.Ext(stripped) != "" {
			candidates = append(candidates, stripped)
		}
	}
	return candidates
}
