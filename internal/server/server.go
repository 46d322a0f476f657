// Package server implements the amazons3 HTTP delivery surface: URL
// resolution, redirects to resolved object URLs, stat lookups and the
// image-derivative endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amazons3/amazons3/internal/config"
	"github.com/amazons3/amazons3/internal/derivative"
	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/fsadapter"
	"github.com/amazons3/amazons3/internal/objectkey"
	"github.com/amazons3/amazons3/internal/objectstore"
	"github.com/amazons3/amazons3/internal/resolver"
)

// derivativeRetryAfter is the Retry-After value, in seconds, sent while a
// derivative is pending generation.
const derivativeRetryAfter = "3"

// Server is the amazons3 HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	adapter    *fsadapter.Adapter
	store      objectstore.Store
	prefix     string
	buckets    map[string]bool
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ResolveInput is the Huma input struct for the resolve endpoint.
type ResolveInput struct {
	URI string `query:"uri" required:"true" doc:"Object URI, s3://bucket/key or bucket/key"`
}

// ResolveOutput is the Huma output struct for the resolve endpoint.
type ResolveOutput struct {
	Body *resolver.ResolvedURL
}

// StatBody describes an object or directory.
type StatBody struct {
	URI          string     `json:"uri"`
	Name         string     `json:"name"`
	IsDir        bool       `json:"is_dir"`
	Size         int64      `json:"size"`
	ETag         string     `json:"etag,omitempty"`
	ContentType  string     `json:"content_type,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	StorageClass string     `json:"storage_class,omitempty"`
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithObjectStore sets the store probed by the health check.
func WithObjectStore(store objectstore.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server and registers all routes on a Chi router with a Huma
// API on top.
func New(cfg *config.Config, adapter *fsadapter.Adapter, opts ...ServerOption) (*Server, error) {
	if adapter == nil {
		return nil, errors.New("server: adapter is required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("amazons3 delivery API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		adapter: adapter,
		prefix:  strings.Trim(cfg.Delivery.DerivativePrefix, "/"),
		buckets: map[string]bool{cfg.Storage.Bucket: true},
		logger:  slog.Default(),
	}
	for _, b := range cfg.Storage.ServedBuckets {
		s.buckets[b] = true
	}
	if s.prefix == "" {
		s.prefix = derivative.DefaultPrefix
	}
	for _, o := range opts {
		o(s)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the health status of the server and its object store.",
			Tags:        []string{"System"},
		}, s.health)

		// Huma only does one method per registration.
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "resolve-url",
		Method:      http.MethodGet,
		Path:        "/resolve",
		Summary:     "Resolve public URL",
		Description: "Returns the public URL an object is delivered from, applying the delivery rules.",
		Tags:        []string{"Delivery"},
	}, s.resolve)

	s.router.Get("/files/{bucket}/*", s.handleRedirect)
	s.router.Head("/files/{bucket}/*", s.handleHead)
	s.router.Get("/stat/{bucket}", s.handleStat)
	s.router.Get("/stat/{bucket}/*", s.handleStat)
	s.router.Get("/"+s.prefix+"/*", s.handleDerivative)
}

func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	if s.store != nil {
		if err := s.store.HealthCheck(ctx); err != nil {
			s.logger.Warn("Object store health check failed", "error", err)
			return nil, huma.Error503ServiceUnavailable("object store unavailable", err)
		}
	}
	return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
}

func (s *Server) resolve(ctx context.Context, input *ResolveInput) (*ResolveOutput, error) {
	res, err := s.externalURL(ctx, input.URI)
	if err != nil {
		status := s3err.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Resolve failed", "uri", input.URI, "error", err)
		}
		return nil, huma.NewError(status, http.StatusText(status), err)
	}
	return &ResolveOutput{Body: res}, nil
}

// handleRedirect answers GET /files/{bucket}/{key} with a redirect to the
// resolved URL. Derivative routing uses 307 so the method is kept.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	uri, ok := objectURI(r.URL.Path, "/files/")
	if !ok {
		s.writeError(w, r, s3err.ErrInvalidKey)
		return
	}
	res, err := s.externalURL(r.Context(), uri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusFound
	if res.Derivative {
		status = http.StatusTemporaryRedirect
	}
	if res.Signed {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.Redirect(w, r, res.Raw, status)
}

// handleHead answers HEAD /files/{bucket}/{key} with the object's stat.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	uri, ok := objectURI(r.URL.Path, "/files/")
	if !ok {
		s.writeError(w, r, s3err.ErrInvalidKey)
		return
	}
	fi, err := s.stat(r.Context(), uri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	if fi.ContentType != "" {
		h.Set("Content-Type", fi.ContentType)
	}
	h.Set("Content-Length", strconv.FormatInt(fi.Size, 10))
	if fi.ETag != "" {
		h.Set("ETag", fi.ETag)
	}
	if !fi.LastModified.IsZero() {
		h.Set("Last-Modified", fi.LastModified.UTC().Format(http.TimeFormat))
	}
	if fi.StorageClass != "" {
		h.Set("X-Storage-Class", fi.StorageClass)
	}
	if fi.IsDir {
		h.Set("X-Object-Type", "directory")
	} else {
		h.Set("X-Object-Type", "file")
	}
	w.WriteHeader(http.StatusOK)
}

// handleStat answers GET /stat/{bucket}/{key} with a JSON StatBody.
func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	uri, ok := objectURI(r.URL.Path, "/stat/")
	if !ok {
		s.writeError(w, r, s3err.ErrInvalidKey)
		return
	}
	fi, err := s.stat(r.Context(), uri)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := StatBody{
		URI:          fi.Key.String(),
		Name:         fi.Name(),
		IsDir:        fi.IsDir,
		Size:         fi.Size,
		ETag:         fi.ETag,
		ContentType:  fi.ContentType,
		StorageClass: fi.StorageClass,
	}
	if !fi.LastModified.IsZero() {
		lm := fi.LastModified.UTC()
		body.LastModified = &lm
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDerivative serves /<prefix>/<bucket>/styles/<style>/<file>. Images
// are generated out of process: an existing derivative is redirected to,
// a missing source is a 404, and anything else is reported as pending.
func (s *Server) handleDerivative(w http.ResponseWriter, r *http.Request) {
	in, ok := derivative.ParseInbound(s.prefix, r.URL.Path)
	if !ok {
		s.writeError(w, r, s3err.ErrNotFound)
		return
	}
	if !s.buckets[in.Bucket] {
		s.writeError(w, r, unservedBucket(in.Bucket))
		return
	}
	ctx := r.Context()
	target := objectkey.Scheme + in.Bucket + "/" + in.Key()

	exists, err := s.adapter.Exists(ctx, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exists {
		res, err := s.adapter.ExternalURL(ctx, target)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status := http.StatusMovedPermanently
		if res.Signed {
			status = http.StatusFound
			w.Header().Set("Cache-Control", "no-store")
		}
		http.Redirect(w, r, res.Raw, status)
		return
	}

	source, err := s.findSource(ctx, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if source == "" {
		s.logger.Debug("Derivative source missing", "bucket", in.Bucket, "style", in.Style, "file", in.File)
		s.writeError(w, r, s3err.ErrNotFound)
		return
	}

	if err := s.adapter.PrepareDirectory(ctx, target); err != nil {
		s.logger.Warn("Preparing derivative directory failed", "uri", target, "error", err)
	}
	s.logger.Info("Derivative pending", "uri", target, "source", source)
	w.Header().Set("Retry-After", derivativeRetryAfter)
	writeJSON(w, http.StatusServiceUnavailable, &huma.ErrorModel{
		Status: http.StatusServiceUnavailable,
		Title:  http.StatusText(http.StatusServiceUnavailable),
		Detail: "image derivative is being generated",
	})
}

// servedKey parses uri and rejects buckets the server does not serve.
func (s *Server) servedKey(uri string) error {
	key, err := s.adapter.Key(uri)
	if err != nil {
		return err
	}
	if !s.buckets[key.Bucket] {
		return unservedBucket(key.Bucket)
	}
	return nil
}

func (s *Server) externalURL(ctx context.Context, uri string) (*resolver.ResolvedURL, error) {
	if err := s.servedKey(uri); err != nil {
		return nil, err
	}
	return s.adapter.ExternalURL(ctx, uri)
}

func (s *Server) stat(ctx context.Context, uri string) (*fsadapter.FileInfo, error) {
	if err := s.servedKey(uri); err != nil {
		return nil, err
	}
	return s.adapter.Stat(ctx, uri)
}

func unservedBucket(bucket string) error {
	return fmt.Errorf("%w: bucket %q is not served", s3err.ErrNotFound, bucket)
}

// findSource returns the URI of the first existing source candidate, or ""
// when none exists.
func (s *Server) findSource(ctx context.Context, in derivative.Inbound) (string, error) {
	for _, candidate := range derivative.SourceCandidates(in.File) {
		uri := objectkey.Scheme + in.Bucket + "/" + candidate
		ok, err := s.adapter.Exists(ctx, uri)
		if err != nil {
			return "", err
		}
		if ok {
			return uri, nil
		}
	}
	return "", nil
}

// writeError writes err as an RFC 7807 problem document.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := s3err.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&huma.ErrorModel{
		Status: status,
		Title:  http.StatusText(status),
		Detail: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// objectURI converts "/files/bucket/key" into "s3://bucket/key".
func objectURI(path, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || strings.Trim(rest, "/") == "" {
		return "", false
	}
	return objectkey.Scheme + rest, true
}
