package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/amazons3/amazons3/internal/config"
	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/objectkey"
	"github.com/amazons3/amazons3/internal/pathrule"
	"github.com/amazons3/amazons3/internal/policy"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

// objectCall records one BuildObjectURL invocation.
type objectCall struct {
	bucket string
	key    string
	expiry *time.Time
	params ObjectURLParams
}

// mockObjects builds predictable URLs on the S3 default host.
type mockObjects struct {
	calls []objectCall
	err   error
}

func (m *mockObjects) BuildObjectURL(ctx context.Context, bucket, key string, expiry *time.Time, params ObjectURLParams) (string, error) {
	m.calls = append(m.calls, objectCall{bucket: bucket, key: key, expiry: expiry, params: params})
	if m.err != nil {
		return "", m.err
	}
	u := "https://" + bucket + ".s3.amazonaws.com/" + key
	if expiry != nil {
		sep := "?"
		if strings.Contains(key, "?") {
			sep = "&"
		}
		u += fmt.Sprintf("%sX-Amz-Expires=%d", sep, expiry.Unix())
	}
	return u, nil
}

type signCall struct {
	rawURL string
	expiry time.Time
}

type mockSigner struct {
	calls []signCall
	err   error
}

func (m *mockSigner) BuildSignedURL(ctx context.Context, rawURL string, expiry time.Time) (string, error) {
	m.calls = append(m.calls, signCall{rawURL: rawURL, expiry: expiry})
	if m.err != nil {
		return "", m.err
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sExpires=%d&Signature=sig&Key-Pair-Id=KP", rawURL, sep, expiry.Unix()), nil
}

func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Bucket = "media"
	cfg.Server.BaseURL = "https://www.example.com"
	return cfg
}

func enableCDN(cfg *config.Config, domain string) {
	cfg.Delivery.Domain = domain
	cfg.Delivery.CDN.Enabled = true
	cfg.Delivery.CDN.KeyPairID = "KP"
	cfg.Delivery.CDN.PrivateKey = "unused"
}

func newTestResolver(t *testing.T, cfg *config.Config) (*Resolver, *mockObjects, *mockSigner) {
	t.Helper()
	p, err := policy.New(cfg)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	objects := &mockObjects{}
	signer := &mockSigner{}
	r, err := New(p, objects, signer, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, objects, signer
}

func key(t *testing.T, path string) objectkey.Key {
	t.Helper()
	k, err := objectkey.New("media", path)
	if err != nil {
		t.Fatalf("objectkey.New(%q): %v", path, err)
	}
	return k
}

func TestResolvePlain(t *testing.T) {
	r, objects, signer := newTestResolver(t, newTestConfig())

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "docs/a.pdf")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Raw != "https://media.s3.amazonaws.com/docs/a.pdf" {
		t.Errorf("Raw = %q", res.Raw)
	}
	if res.ExpiresAt != nil || res.Signed || res.Disposition != "" {
		t.Errorf("unexpected decoration: %+v", res)
	}
	if len(objects.calls) != 1 || objects.calls[0].expiry != nil {
		t.Errorf("object backend calls = %+v", objects.calls)
	}
	if len(signer.calls) != 0 {
		t.Errorf("signer called %d times", len(signer.calls))
	}
}

func TestResolveForceDownload(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.ForceDownload = []string{"^private/.*"}
	r, objects, _ := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "private/report.pdf")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := testNow.Add(86400 * time.Second)
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
	if res.Disposition != `attachment; filename="report.pdf"` {
		t.Errorf("Disposition = %q", res.Disposition)
	}
	if got := objects.calls[0].params.ResponseContentDisposition; got != res.Disposition {
		t.Errorf("backend disposition = %q, want %q", got, res.Disposition)
	}
}

func TestResolvePresignedWithoutCDN(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 60, Pattern: "^tmp/.*"}}
	r, objects, signer := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "tmp/x.bin")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := testNow.Add(60 * time.Second)
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", res.ExpiresAt, want)
	}
	if !res.Signed || res.CDN {
		t.Errorf("Signed/CDN = %v/%v, want true/false", res.Signed, res.CDN)
	}
	if len(signer.calls) != 0 {
		t.Error("CDN signer used with CDN disabled")
	}
	if c := objects.calls[0]; c.expiry == nil || !c.expiry.Equal(want) {
		t.Errorf("backend expiry = %v, want %v", c.expiry, want)
	}
}

func TestPresignedOverridesForceDownloadExpiry(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.ForceDownload = []string{"^tmp/.*"}
	cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 60, Pattern: "^tmp/.*"}}
	r, _, _ := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "tmp/x.bin")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := testNow.Add(60 * time.Second); !res.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want presigned expiry %v", res.ExpiresAt, want)
	}
	if res.Disposition == "" {
		t.Error("force-download disposition dropped by presigned match")
	}
}

func TestResolveTorrent(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.Torrent = []string{"^media/.*"}
	r, objects, _ := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "media/big.iso")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := objects.calls[0].key; got != "media/big.iso?torrent" {
		t.Errorf("backend key = %q", got)
	}
	if !strings.HasSuffix(res.Raw, "?torrent") || !res.Torrent {
		t.Errorf("Raw = %q, Torrent = %v", res.Raw, res.Torrent)
	}
	if res.ExpiresAt != nil {
		t.Errorf("torrent alone must not set an expiry: %v", res.ExpiresAt)
	}
}

func TestResolveCDNWithCustomDomain(t *testing.T) {
	cfg := newTestConfig()
	enableCDN(cfg, "cdn.example.com")
	cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 300, Pattern: "^video/.*"}}
	r, objects, signer := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "video/clip 1.mp4")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(objects.calls) != 0 {
		t.Error("object backend used for a CDN-signed URL")
	}
	if len(signer.calls) != 1 {
		t.Fatalf("signer calls = %d, want 1", len(signer.calls))
	}
	call := signer.calls[0]
	if call.rawURL != "https://cdn.example.com/video/clip%201.mp4" {
		t.Errorf("signed raw URL = %q", call.rawURL)
	}
	want := testNow.Add(300 * time.Second)
	if !call.expiry.Equal(want) {
		t.Errorf("signed expiry = %v, want %v", call.expiry, want)
	}
	u, err := url.Parse(res.Raw)
	if err != nil {
		t.Fatalf("parse %q: %v", res.Raw, err)
	}
	if u.Host != "cdn.example.com" {
		t.Errorf("host = %q, want cdn.example.com", u.Host)
	}
	if !res.CDN || !res.Signed {
		t.Errorf("CDN/Signed = %v/%v", res.CDN, res.Signed)
	}
}

func TestResolveCNAMEFlag(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		cname  bool
		want   string
	}{
		{"cname on", "files.example.com", true, "https://files.example.com/docs/a.pdf"},
		{"cname off", "files.example.com", false, "https://media.s3.amazonaws.com/docs/a.pdf"},
		{"no domain", "", false, "https://media.s3.amazonaws.com/docs/a.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.Delivery.Domain = tt.domain
			cfg.Delivery.CNAME = tt.cname
			r, _, _ := newTestResolver(t, cfg)

			res, err := r.Resolve(context.Background(), Request{Key: key(t, "docs/a.pdf")})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Raw != tt.want {
				t.Errorf("Raw = %q, want %q", res.Raw, tt.want)
			}
		})
	}
}

func TestResolveCDNWithoutExpiryUsesObjectBackend(t *testing.T) {
	cfg := newTestConfig()
	enableCDN(cfg, "cdn.example.com")
	r, objects, signer := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "img/a.png")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(signer.calls) != 0 || len(objects.calls) != 1 {
		t.Errorf("signer/object calls = %d/%d, want 0/1", len(signer.calls), len(objects.calls))
	}
	if res.Raw != "https://cdn.example.com/img/a.png" {
		t.Errorf("Raw = %q, want CNAME-rewritten object URL", res.Raw)
	}
}

func TestResolveTorrentWithCDN(t *testing.T) {
	cfg := newTestConfig()
	enableCDN(cfg, "cdn.example.com")
	cfg.Rules.Torrent = []string{".*"}
	cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 60, Pattern: ".*"}}
	r, _, signer := newTestResolver(t, cfg)

	if _, err := r.Resolve(context.Background(), Request{Key: key(t, "a.iso")}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := signer.calls[0].rawURL; got != "https://cdn.example.com/a.iso?torrent" {
		t.Errorf("signed raw URL = %q", got)
	}
}

func TestDerivativeShortCircuit(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.ForceDownload = []string{".*"}
	cfg.Rules.Torrent = []string{".*"}
	cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 60, Pattern: ".*"}}
	cfg.Delivery.Domain = "cdn.example.com"
	r, objects, signer := newTestResolver(t, cfg)

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "styles/thumb/a.jpg"), LocalCopyExists: false})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "https://www.example.com/amazons3/image-derivative/media/styles/thumb/a.jpg"
	if res.Raw != want {
		t.Errorf("Raw = %q, want %q", res.Raw, want)
	}
	if !res.Derivative || res.ExpiresAt != nil || res.Disposition != "" || res.Torrent {
		t.Errorf("derivative result decorated by later steps: %+v", res)
	}
	if len(objects.calls)+len(signer.calls) != 0 {
		t.Error("backends called for a derivative short-circuit")
	}

	// With the derivative present, normal resolution applies.
	res, err = r.Resolve(context.Background(), Request{Key: key(t, "styles/thumb/a.jpg"), LocalCopyExists: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Derivative || res.ExpiresAt == nil {
		t.Errorf("existing derivative not resolved normally: %+v", res)
	}
}

func TestBackendErrorsBecomeSigningErrors(t *testing.T) {
	cause := errors.New("kms unavailable")

	t.Run("object backend", func(t *testing.T) {
		r, objects, _ := newTestResolver(t, newTestConfig())
		objects.err = cause
		_, err := r.Resolve(context.Background(), Request{Key: key(t, "a.txt")})
		var se *s3err.SigningError
		if !errors.As(err, &se) || !errors.Is(err, cause) {
			t.Fatalf("err = %v, want SigningError wrapping cause", err)
		}
		if se.Bucket != "media" || se.Key != "a.txt" {
			t.Errorf("SigningError = %+v", se)
		}
	})

	t.Run("cdn signer", func(t *testing.T) {
		cfg := newTestConfig()
		enableCDN(cfg, "cdn.example.com")
		cfg.Rules.Presigned = []pathrule.PresignedEntry{{Timeout: 60, Pattern: ".*"}}
		r, objects, signer := newTestResolver(t, cfg)
		signer.err = cause
		_, err := r.Resolve(context.Background(), Request{Key: key(t, "a.txt")})
		var se *s3err.SigningError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v, want SigningError", err)
		}
		if len(objects.calls) != 0 {
			t.Error("fell back to an unsigned object URL after a signing failure")
		}
	})
}

func TestNewRequiresSignerWhenCDNEnabled(t *testing.T) {
	cfg := newTestConfig()
	enableCDN(cfg, "cdn.example.com")
	p, err := policy.New(cfg)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	_, err = New(p, &mockObjects{}, nil)
	var cfgErr *s3err.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New err = %v, want ConfigurationError", err)
	}
}

func TestRewriteHost(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		domain string
		want   string
	}{
		{"no domain", "https://media.s3.amazonaws.com/a.jpg", "", "https://media.s3.amazonaws.com/a.jpg"},
		{"rewrite", "https://media.s3.amazonaws.com/a.jpg?x=1", "files.example.com", "https://files.example.com/a.jpg?x=1"},
		{"already equal", "https://files.example.com/a.jpg", "files.example.com", "https://files.example.com/a.jpg"},
		{"case insensitive", "https://FILES.example.com/a.jpg", "files.example.com", "https://FILES.example.com/a.jpg"},
		{"substring host still rewritten", "https://files.example.com.evil.net/a.jpg", "files.example.com", "https://files.example.com/a.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RewriteHost(tt.raw, tt.domain)
			if err != nil {
				t.Fatalf("RewriteHost: %v", err)
			}
			if got != tt.want {
				t.Errorf("RewriteHost = %q, want %q", got, tt.want)
			}
			again, _ := RewriteHost(got, tt.domain)
			if again != got {
				t.Errorf("RewriteHost not idempotent: %q then %q", got, again)
			}
		})
	}
}

func TestContentDispositionAttachment(t *testing.T) {
	if got := ContentDispositionAttachment("report.pdf"); got != `attachment; filename="report.pdf"` {
		t.Errorf("ascii = %q", got)
	}
	if got := ContentDispositionAttachment(`say "hi".txt`); got != `attachment; filename="say \"hi\".txt"` {
		t.Errorf("quoted = %q", got)
	}
	got := ContentDispositionAttachment("résumé.pdf")
	if !strings.HasPrefix(got, `attachment; filename="=?UTF-8?b?`) || !strings.HasSuffix(got, `?="`) {
		t.Errorf("non-ascii = %q, want RFC 2047 B-encoded word", got)
	}
}

func TestShouldUseReducedRedundancy(t *testing.T) {
	cfg := newTestConfig()
	cfg.Rules.ReducedRedundancy = []string{"^styles/.*"}
	r, _, _ := newTestResolver(t, cfg)

	if !r.ShouldUseReducedRedundancy("styles/thumb/a.jpg") {
		t.Error("styles path should use reduced redundancy")
	}
	if r.ShouldUseReducedRedundancy("originals/a.jpg") {
		t.Error("originals path should not use reduced redundancy")
	}

	res, err := r.Resolve(context.Background(), Request{Key: key(t, "styles/thumb/a.jpg"), LocalCopyExists: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.StorageClassHint != policy.StorageClassReducedRedundancy {
		t.Errorf("StorageClassHint = %q", res.StorageClassHint)
	}
}
