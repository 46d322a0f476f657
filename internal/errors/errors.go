// Package errors defines the error taxonomy used throughout amazons3.
//
// Configuration and signing errors bubble to the caller unmodified; cache
// backend errors are absorbed by the metadata cache and degrade to direct
// backend calls.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common conditions.
var (
	// ErrNotFound is returned when an object does not exist in the store.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is returned when a path cannot be normalized into an
	// object key (empty bucket, ".." segments, ...).
	ErrInvalidKey = errors.New("invalid object key")

	// ErrDirectoryNotEmpty is returned by Rmdir when the prefix still has
	// children.
	ErrDirectoryNotEmpty = errors.New("directory not empty")
)

// ConfigurationError reports a problem with the delivery configuration: a bad
// pattern, a bad presigned timeout, or missing CDN credentials. It is fatal at
// load time and never recovered.
type ConfigurationError struct {
	// Field names the configuration setting (e.g. "rules.presigned").
	Field string
	// Line is the 1-based line or list index of the offending entry, or 0.
	Line int
	// Value is the offending raw value, if any.
	Value string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("configuration error in %s line %d (%q): %v", e.Field, e.Line, e.Value, e.Err)
	case e.Value != "":
		return fmt.Sprintf("configuration error in %s (%q): %v", e.Field, e.Value, e.Err)
	default:
		return fmt.Sprintf("configuration error in %s: %v", e.Field, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError without line context.
func NewConfigurationError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// SigningError reports a failure of the signing or object URL backend. The
// resolver never falls back to an unsigned URL when this happens.
type SigningError struct {
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface for SigningError.
func (e *SigningError) Error() string {
	return fmt.Sprintf("signing URL for %s/%s: %v", e.Bucket, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SigningError) Unwrap() error { return e.Err }

// CacheBackendError reports a failure in one of the metadata cache layers.
type CacheBackendError struct {
	// Layer is the cache layer name ("fast", "redis", "sqlite", ...).
	Layer string
	// Op is the failed operation ("get", "set", "delete").
	Op  string
	Key string
	Err error
}

// Error implements the error interface for CacheBackendError.
func (e *CacheBackendError) Error() string {
	return fmt.Sprintf("cache layer %s %s %q: %v", e.Layer, e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CacheBackendError) Unwrap() error { return e.Err }

// NotSupportedError is returned for filesystem operations that have no
// object-storage analog (locking, real paths, permission changes).
type NotSupportedError struct {
	Op string
}

// Error implements the error interface for NotSupportedError.
func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s is not supported by object storage", e.Op)
}

// HTTPStatus maps an error from the delivery engine to the HTTP status code
// the server should answer with.
func HTTPStatus(err error) int {
	var (
		cfgErr    *ConfigurationError
		signErr   *SigningError
		notSupErr *NotSupportedError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrDirectoryNotEmpty):
		return http.StatusConflict
	case errors.As(err, &notSupErr):
		return http.StatusNotImplemented
	case errors.As(err, &signErr):
		return http.StatusBadGateway
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
