// Package resolver turns an object key into the public URL a browser should
// be sent to.
//
// Resolution is a fixed sequence of decisions driven by the delivery policy:
//
//  1. Derivative keys (styles/...) without a local copy go to the derivative
//     endpoint and nothing else applies.
//  2. A force-download match adds an attachment disposition and a one-day
//     expiry.
//  3. A torrent match appends the torrent subresource to the key.
//  4. A presigned match sets the expiry to now plus the rule's timeout,
//     replacing the force-download expiry.
//  5. An expiring URL with CDN delivery enabled is signed for the CDN;
//     everything else is built by the object URL backend.
//  6. The host is replaced with the custom domain, if one is configured.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/amazons3/amazons3/internal/derivative"
	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/metrics"
	"github.com/amazons3/amazons3/internal/objectkey"
	"github.com/amazons3/amazons3/internal/policy"
)

// TorrentSuffix is appended to the key of objects delivered over BitTorrent.
const TorrentSuffix = "?torrent"

// ForceDownloadLifetime is the expiry given to force-download URLs.
const ForceDownloadLifetime = 24 * time.Hour

// ObjectURLParams are response overrides passed to the object URL backend.
type ObjectURLParams struct {
	// ResponseContentDisposition overrides the Content-Disposition header of
	// the response, if non-empty.
	ResponseContentDisposition string
}

// ObjectURLBackend builds direct object URLs. A nil expiry requests a plain,
// non-expiring URL. The key may carry TorrentSuffix.
type ObjectURLBackend interface {
	BuildObjectURL(ctx context.Context, bucket, key string, expiry *time.Time, params ObjectURLParams) (string, error)
}

// SigningBackend signs CDN URLs with an expiry.
type SigningBackend interface {
	BuildSignedURL(ctx context.Context, rawURL string, expiry time.Time) (string, error)
}

// Request is a single resolution request.
type Request struct {
	Key objectkey.Key
	// LocalCopyExists reports whether a derivative key already exists in
	// the store. It is only consulted for keys under styles/.
	LocalCopyExists bool
}

// ResolvedURL is the result of a resolution.
type ResolvedURL struct {
	Raw              string     `json:"url"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Disposition      string     `json:"disposition,omitempty"`
	StorageClassHint string     `json:"storage_class_hint,omitempty"`
	Signed           bool       `json:"signed"`
	CDN              bool       `json:"cdn"`
	Torrent          bool       `json:"torrent"`
	Derivative       bool       `json:"derivative"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// Resolver resolves public URLs. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	policy  *policy.Policy
	objects ObjectURLBackend
	signer  SigningBackend
	route   derivative.Route
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Resolver. The signer may be nil only when CDN delivery is
// disabled.
func New(p *policy.Policy, objects ObjectURLBackend, signer SigningBackend, opts ...Option) (*Resolver, error) {
	if p == nil {
		return nil, s3err.NewConfigurationError("delivery", errors.New("policy is required"))
	}
	if objects == nil {
		return nil, s3err.NewConfigurationError("storage.backend", errors.New("object URL backend is required"))
	}
	if p.CDNEnabled() && signer == nil {
		return nil, s3err.NewConfigurationError("delivery.cdn", errors.New("CDN delivery is enabled but no signer is configured"))
	}
	r := &Resolver{
		policy:  p,
		objects: objects,
		signer:  signer,
		route:   derivative.Route{BaseURL: p.SiteBaseURL(), Prefix: p.DerivativePrefix()},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Policy returns the policy the resolver was built with.
func (r *Resolver) Policy() *policy.Policy { return r.policy }

// Resolve returns the public URL for req.Key.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*ResolvedURL, error) {
	key := req.Key
	p := r.policy

	if derivative.IsDerivativePath(key.Path) && !req.LocalCopyExists {
		metrics.ResolutionsTotal.WithLabelValues("style").Inc()
		return &ResolvedURL{Raw: r.route.URL(key.Bucket, key.Path), Derivative: true}, nil
	}

	now := r.now()
	res := &ResolvedURL{}
	if p.ShouldUseReducedRedundancy(key.Path) {
		res.StorageClassHint = policy.StorageClassReducedRedundancy
	}

	outcome := "plain"
	var expiry *time.Time

	if _, ok := p.ForceDownload().Match(key.Path); ok {
		res.Disposition = ContentDispositionAttachment(key.Basename())
		t := now.Add(ForceDownloadLifetime)
		expiry = &t
		outcome = "download"
	}

	urlKey := key.Path
	if _, ok := p.Torrent().Match(key.Path); ok {
		urlKey += TorrentSuffix
		res.Torrent = true
		if outcome == "plain" {
			outcome = "torrent"
		}
	}

	if rule, ok := p.Presigned().MatchPresigned(key.Path); ok {
		t := now.Add(time.Duration(rule.Timeout()) * time.Second)
		expiry = &t
		outcome = "presigned"
	}

	var (
		raw string
		err error
	)
	if expiry != nil && p.CDNEnabled() {
		raw, err = r.signCDN(ctx, urlKey, *expiry)
		res.CDN = true
		outcome = "cdn"
	} else {
		raw, err = r.objects.BuildObjectURL(ctx, key.Bucket, urlKey, expiry, ObjectURLParams{
			ResponseContentDisposition: res.Disposition,
		})
	}
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues("error").Inc()
		return nil, signingError(key, err)
	}

	raw, err = RewriteHost(raw, p.RewriteDomain())
	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues("error").Inc()
		return nil, signingError(key, err)
	}

	res.Raw = raw
	res.ExpiresAt = expiry
	res.Signed = expiry != nil
	metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	r.logger.Debug("Resolved URL", "key", key.String(), "outcome", outcome)
	return res, nil
}

// signCDN builds https://<domain>/<key> and signs it.
func (r *Resolver) signCDN(ctx context.Context, urlKey string, expiry time.Time) (string, error) {
	path, query, _ := strings.Cut(urlKey, "?")
	raw := "https://" + r.policy.Domain() + "/" + escapePath(path)
	if query != "" {
		raw += "?" + query
	}
	raw, err := RewriteHost(raw, r.policy.Domain())
	if err != nil {
		return "", err
	}
	return r.signer.BuildSignedURL(ctx, raw, expiry)
}

// ShouldUseReducedRedundancy reports whether writes to path request the
// reduced-redundancy storage class.
func (r *Resolver) ShouldUseReducedRedundancy(path string) bool {
	return r.policy.ShouldUseReducedRedundancy(path)
}

// RewriteHost replaces the host of rawURL with domain. It is a no-op when
// domain is empty or the host already equals domain, so applying it twice
// yields the same URL.
func RewriteHost(rawURL, domain string) (string, error) {
	if domain == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL for host rewrite: %w", err)
	}
	if strings.EqualFold(u.Host, domain) {
		return rawURL, nil
	}
	u.Host = domain
	return u.String(), nil
}

// ContentDispositionAttachment returns an attachment Content-Disposition for
// filename. Non-ASCII names are RFC 2047 B-encoded as UTF-8.
func ContentDispositionAttachment(filename string) string {
	encoded := mime.BEncoding.Encode("UTF-8", filename)
	if encoded == filename {
		encoded = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(filename)
	}
	return `attachment; filename="` + encoded + `"`
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func signingError(key objectkey.Key, err error) error {
	var se *s3err.SigningError
	if errors.As(err, &se) {
		return err
	}
	return &s3err.SigningError{Bucket: key.Bucket, Key: key.Path, Err: err}
}
