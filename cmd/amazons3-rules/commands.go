package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"

	"github.com/amazons3/amazons3/internal/config"
	"github.com/amazons3/amazons3/internal/derivative"
	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/metacache"
	"github.com/amazons3/amazons3/internal/objectkey"
	"github.com/amazons3/amazons3/internal/objectstore"
	"github.com/amazons3/amazons3/internal/objecturl"
	"github.com/amazons3/amazons3/internal/pathrule"
	"github.com/amazons3/amazons3/internal/policy"
	"github.com/amazons3/amazons3/internal/resolver"
	"github.com/amazons3/amazons3/internal/signing"
)

// Rule set names accepted by -set.
const (
	setForceDownload     = "force_download"
	setTorrent           = "torrent"
	setReducedRedundancy = "reduced_redundancy"
	setPresigned         = "presigned"
)

// rulesDoc is the YAML document written by export and import. It mirrors the
// rules section of the configuration file.
type rulesDoc struct {
	Rules exportedRules `yaml:"rules"`
}

type exportedRules struct {
	ForceDownload     []string                  `yaml:"force_download,omitempty"`
	Torrent           []string                  `yaml:"torrent,omitempty"`
	ReducedRedundancy []string                  `yaml:"reduced_redundancy,omitempty"`
	Presigned         []pathrule.PresignedEntry `yaml:"presigned,omitempty"`
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// loadPolicy loads the configuration and compiles the delivery policy.
func loadPolicy(path string) (*config.Config, *policy.Policy, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	p, err := policy.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

func reportError(stderr io.Writer, err error) int {
	var cfgErr *s3err.ConfigurationError
	if errors.As(err, &cfgErr) && cfgErr.Line > 0 {
		fmt.Fprintf(stderr, "Error: %s line %d: %q: %v\n", cfgErr.Field, cfgErr.Line, cfgErr.Value, cfgErr.Err)
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("check", stderr)
	configPath := fs.String("config", "amazons3.yaml", "Config file path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, p, err := loadPolicy(*configPath)
	if err != nil {
		return reportError(stderr, err)
	}

	fmt.Fprintf(stdout, "bucket: %s\n", p.Bucket())
	for _, s := range []*pathrule.RuleSet{p.ForceDownload(), p.Torrent(), p.ReducedRedundancy(), p.Presigned()} {
		fmt.Fprintf(stdout, "%s: %d rules\n", s.Name(), s.Len())
	}
	if p.CDNEnabled() {
		fmt.Fprintf(stdout, "cdn: enabled (%s)\n", p.Domain())
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// resolveLine is one line of resolve output.
type resolveLine struct {
	URI string `json:"uri"`
	*resolver.ResolvedURL
	Error string `json:"error,omitempty"`
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	configPath := fs.String("config", "amazons3.yaml", "Config file path")
	localCopy := fs.Bool("local-copy", false, "Treat styles/ derivatives as already generated")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: at least one URI is required")
		return 2
	}

	ctx := context.Background()
	cfg, p, err := loadPolicy(*configPath)
	if err != nil {
		return reportError(stderr, err)
	}
	objects, err := previewObjects(ctx, cfg, p)
	if err != nil {
		return reportError(stderr, err)
	}
	var signer resolver.SigningBackend
	if p.CDNEnabled() {
		cf, err := signing.FromConfig(&cfg.Delivery.CDN)
		if err != nil {
			return reportError(stderr, err)
		}
		signer = cf
	}
	r, err := resolver.New(p, objects, signer)
	if err != nil {
		return reportError(stderr, err)
	}

	enc := json.NewEncoder(stdout)
	rc := 0
	for _, uri := range fs.Args() {
		line := resolveLine{URI: uri}
		key, err := objectkey.Parse(uri, p.Bucket())
		if err == nil {
			line.ResolvedURL, err = r.Resolve(ctx, resolver.Request{
				Key:             key,
				LocalCopyExists: *localCopy && derivative.IsDerivativePath(key.Path),
			})
		}
		if err != nil {
			line.Error = err.Error()
			rc = 1
		}
		if err := enc.Encode(line); err != nil {
			return reportError(stderr, err)
		}
	}
	return rc
}

// previewObjects builds a URL backend that signs locally without contacting
// the store.
func previewObjects(ctx context.Context, cfg *config.Config, p *policy.Policy) (resolver.ObjectURLBackend, error) {
	sc := cfg.Storage
	urlOpts := objecturl.S3Options{Endpoint: sc.Hostname, UsePathStyle: sc.UsePathStyle, Domain: p.RewriteDomain()}
	switch sc.Backend {
	case "gcs":
		client, err := objectstore.NewGCSClient(ctx, sc.GCSCredentialsFile)
		if err != nil {
			return nil, err
		}
		return objecturl.NewGCS(client, objecturl.GCSOptions{SignerEmail: sc.GCSSignerEmail, Domain: p.RewriteDomain()}), nil
	case "memory":
		client := s3.New(s3.Options{
			Region:      sc.Region,
			Credentials: credentials.NewStaticCredentialsProvider("preview", "preview", ""),
		})
		return objecturl.NewS3(client, urlOpts), nil
	default:
		client, err := objectstore.NewS3Client(ctx, objectstore.S3ClientConfig{
			Region:          sc.Region,
			Endpoint:        sc.Hostname,
			UsePathStyle:    sc.UsePathStyle,
			AccessKeyID:     sc.AccessKey,
			SecretAccessKey: sc.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return objecturl.NewS3(client, urlOpts), nil
	}
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	configPath := fs.String("config", "amazons3.yaml", "Config file path")
	format := fs.String("format", "yaml", "Output format: yaml or text")
	set := fs.String("set", "", "Rule set to export in text format")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, p, err := loadPolicy(*configPath)
	if err != nil {
		return reportError(stderr, err)
	}

	var data []byte
	switch *format {
	case "yaml":
		data, err = yaml.Marshal(rulesDoc{Rules: exportedRules{
			ForceDownload:     p.ForceDownload().Patterns(),
			Torrent:           p.Torrent().Patterns(),
			ReducedRedundancy: p.ReducedRedundancy().Patterns(),
			Presigned:         pathrule.PresignedEntries(p.Presigned()),
		}})
		if err != nil {
			return reportError(stderr, err)
		}
	case "text":
		text, err := exportText(p, *set)
		if err != nil {
			return reportError(stderr, err)
		}
		data = []byte(text + "\n")
	default:
		fmt.Fprintf(stderr, "Error: unsupported format: %s\n", *format)
		return 1
	}

	if *output == "-" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		return reportError(stderr, err)
	}
	fmt.Fprintf(stderr, "Exported to %s\n", *output)
	return 0
}

func exportText(p *policy.Policy, set string) (string, error) {
	switch set {
	case setForceDownload:
		return pathrule.FormatList(p.ForceDownload().Patterns()), nil
	case setTorrent:
		return pathrule.FormatList(p.Torrent().Patterns()), nil
	case setReducedRedundancy:
		return pathrule.FormatList(p.ReducedRedundancy().Patterns()), nil
	case setPresigned:
		return pathrule.FormatPresignedList(pathrule.PresignedEntries(p.Presigned())), nil
	case "":
		return "", errors.New("-set is required for text format")
	}
	return "", fmt.Errorf("unknown rule set %q", set)
}

func runImport(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := newFlagSet("import", stderr)
	set := fs.String("set", "", "Rule set the text belongs to")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var (
		text []byte
		err  error
	)
	if *input == "-" {
		text, err = io.ReadAll(stdin)
	} else {
		text, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error reading input: %v\n", err)
		return 1
	}

	doc, n, err := importText(*set, string(text))
	if err != nil {
		return reportError(stderr, err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return reportError(stderr, err)
	}
	_, _ = stdout.Write(data)
	fmt.Fprintf(stderr, "  %s: %d imported\n", *set, n)
	return 0
}

// importText parses the legacy text form of one rule set, validating every
// pattern, and returns it as a rules document.
func importText(set, text string) (rulesDoc, int, error) {
	var doc rulesDoc
	if set == setPresigned {
		entries, err := pathrule.ParsePresignedText(policy.PresignedSet+"_text", text)
		if err != nil {
			return doc, 0, err
		}
		if _, err := pathrule.ParsePresignedList(policy.PresignedSet, entries); err != nil {
			return doc, 0, err
		}
		doc.Rules.Presigned = entries
		return doc, len(entries), nil
	}

	var name string
	switch set {
	case setForceDownload:
		name = policy.ForceDownloadSet
	case setTorrent:
		name = policy.TorrentSet
	case setReducedRedundancy:
		name = policy.ReducedRedundancySet
	case "":
		return doc, 0, errors.New("-set is required")
	default:
		return doc, 0, fmt.Errorf("unknown rule set %q", set)
	}
	rs, err := pathrule.ParseText(name+"_text", text)
	if err != nil {
		return doc, 0, err
	}
	patterns := rs.Patterns()
	switch set {
	case setForceDownload:
		doc.Rules.ForceDownload = patterns
	case setTorrent:
		doc.Rules.Torrent = patterns
	case setReducedRedundancy:
		doc.Rules.ReducedRedundancy = patterns
	}
	return doc, len(patterns), nil
}

func runPurgeCache(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("purge-cache", stderr)
	configPath := fs.String("config", "amazons3.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite cache path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	db := *dbPath
	if db == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return reportError(stderr, err)
		}
		db = cfg.Cache.Shared.SQLite.Path
	}

	layer, err := metacache.NewSQLiteLayer(db)
	if err != nil {
		return reportError(stderr, err)
	}
	defer layer.Close()

	n, err := layer.Purge(context.Background(), time.Now())
	if err != nil {
		return reportError(stderr, err)
	}
	fmt.Fprintf(stdout, "purged %d expired entries from %s\n", n, db)
	return 0
}
