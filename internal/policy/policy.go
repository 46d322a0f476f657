// Package policy builds the immutable delivery policy snapshot consumed by the
// URL resolver and the filesystem adapter.
package policy

import (
	"strings"
	"time"

	"github.com/amazons3/amazons3/internal/config"
	"github.com/amazons3/amazons3/internal/pathrule"
)

// Rule set names, used in configuration errors and metrics labels.
const (
	ForceDownloadSet     = "rules.force_download"
	TorrentSet           = "rules.torrent"
	PresignedSet         = "rules.presigned"
	ReducedRedundancySet = "rules.reduced_redundancy"
)

// StorageClassReducedRedundancy is the storage class requested for keys that
// match the reduced-redundancy rule set.
const StorageClassReducedRedundancy = "REDUCED_REDUNDANCY"

// WriteOptions are the per-key options applied when writing an object.
type WriteOptions struct {
	ACL          string
	StorageClass string
}

// Policy is a read-only snapshot of the delivery configuration. It is built
// once per configuration load and never mutated afterwards, so it can be
// shared across goroutines.
type Policy struct {
	bucket        string
	region        string
	credentialRef string
	hostname      string
	domain        string
	cname         bool
	cdn           bool
	caching       bool
	cacheTTL      time.Duration
	defaultACL    string
	derivative    string
	siteBaseURL   string

	forceDownload     *pathrule.RuleSet
	torrent           *pathrule.RuleSet
	presigned         *pathrule.RuleSet
	reducedRedundancy *pathrule.RuleSet
}

// New builds a Policy from cfg. Every rule is compiled up front; a malformed
// pattern or timeout is returned as *errors.ConfigurationError naming the
// rule set and line.
func New(cfg *config.Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	force, err := patternSet(ForceDownloadSet, cfg.Rules.ForceDownload, cfg.Rules.ForceDownloadText)
	if err != nil {
		return nil, err
	}
	torrent, err := patternSet(TorrentSet, cfg.Rules.Torrent, cfg.Rules.TorrentText)
	if err != nil {
		return nil, err
	}
	rrs, err := patternSet(ReducedRedundancySet, cfg.Rules.ReducedRedundancy, cfg.Rules.ReducedRedundancyText)
	if err != nil {
		return nil, err
	}
	entries, err := cfg.Rules.PresignedEntries()
	if err != nil {
		return nil, err
	}
	presigned, err := pathrule.ParsePresignedList(PresignedSet, entries)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		bucket:            cfg.Storage.Bucket,
		region:            cfg.Storage.Region,
		credentialRef:     cfg.Storage.AccessKey,
		hostname:          cfg.Storage.Hostname,
		domain:            strings.TrimSpace(cfg.Delivery.Domain),
		cname:             cfg.Delivery.CNAME,
		cdn:               cfg.Delivery.CDN.Enabled,
		caching:           cfg.Cache.Enabled,
		defaultACL:        cfg.Delivery.DefaultACL,
		derivative:        strings.Trim(cfg.Delivery.DerivativePrefix, "/"),
		siteBaseURL:       strings.TrimRight(cfg.Server.BaseURL, "/"),
		forceDownload:     force,
		torrent:           torrent,
		presigned:         presigned,
		reducedRedundancy: rrs,
	}
	if p.caching && cfg.Cache.TTLSeconds > 0 {
		p.cacheTTL = time.Duration(cfg.Cache.TTLSeconds) * time.Second
	}
	return p, nil
}

// patternSet compiles the structured list of a rule set followed by its
// legacy text form, which is reported under the "<name>_text" key.
func patternSet(name string, list []string, text string) (*pathrule.RuleSet, error) {
	structured, err := pathrule.ParseList(name, list)
	if err != nil {
		return nil, err
	}
	legacy, err := pathrule.ParseText(name+"_text", text)
	if err != nil {
		return nil, err
	}
	return pathrule.Merge(name, structured, legacy), nil
}

// Bucket returns the default bucket.
func (p *Policy) Bucket() string { return p.bucket }

// Region returns the storage region.
func (p *Policy) Region() string { return p.region }

// CredentialRef returns the access key id identifying the credentials, or
// "" when the default credential chain is used.
func (p *Policy) CredentialRef() string { return p.credentialRef }

// Hostname returns the custom S3-compatible endpoint, if any.
func (p *Policy) Hostname() string { return p.hostname }

// Domain returns the custom domain, or "" when none is configured.
func (p *Policy) Domain() string { return p.domain }

// CNAMEEnabled reports whether objects are served from the custom domain.
func (p *Policy) CNAMEEnabled() bool { return p.cname }

// RewriteDomain returns the host resolved URLs are served from: the custom
// domain when CNAME or CDN delivery is enabled, "" otherwise.
func (p *Policy) RewriteDomain() string {
	if p.cname || p.cdn {
		return p.domain
	}
	return ""
}

// CDNEnabled reports whether expiring URLs are delivered through the CDN.
func (p *Policy) CDNEnabled() bool { return p.cdn }

// CachingEnabled reports whether metadata caching is enabled.
func (p *Policy) CachingEnabled() bool { return p.caching }

// CacheTTL returns the metadata cache TTL; zero means caching is disabled.
func (p *Policy) CacheTTL() time.Duration { return p.cacheTTL }

// CacheTTLSeconds returns CacheTTL in whole seconds.
func (p *Policy) CacheTTLSeconds() int { return int(p.cacheTTL / time.Second) }

// DefaultACL returns the canned ACL applied on writes.
func (p *Policy) DefaultACL() string { return p.defaultACL }

// DerivativePrefix returns the derivative endpoint route prefix without
// surrounding slashes.
func (p *Policy) DerivativePrefix() string { return p.derivative }

// SiteBaseURL returns the absolute site URL without a trailing slash.
func (p *Policy) SiteBaseURL() string { return p.siteBaseURL }

// ForceDownload returns the force-download rule set.
func (p *Policy) ForceDownload() *pathrule.RuleSet { return p.forceDownload }

// Torrent returns the torrent rule set.
func (p *Policy) Torrent() *pathrule.RuleSet { return p.torrent }

// Presigned returns the presigned rule set.
func (p *Policy) Presigned() *pathrule.RuleSet { return p.presigned }

// ReducedRedundancy returns the reduced-redundancy rule set.
func (p *Policy) ReducedRedundancy() *pathrule.RuleSet { return p.reducedRedundancy }

// ShouldUseReducedRedundancy reports whether writes to path must request
// the reduced-redundancy storage class.
func (p *Policy) ShouldUseReducedRedundancy(path string) bool {
	_, ok := p.reducedRedundancy.Match(path)
	return ok
}

// WriteOptions returns the ACL and storage class for a write to path.
func (p *Policy) WriteOptions(path string) WriteOptions {
	opts := WriteOptions{ACL: p.defaultACL}
	if p.ShouldUseReducedRedundancy(path) {
		opts.StorageClass = StorageClassReducedRedundancy
	}
	return opts
}
