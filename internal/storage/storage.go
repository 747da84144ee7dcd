package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrUnavailable indicates a transient backend I/O failure. Callers surface
// it as retryable; deployment records are never invalidated because of it.
var ErrUnavailable = errors.New("storage: unavailable")

// ErrObjectNotFound indicates the requested key does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// ErrNoBackend indicates the microfrontend bypasses blob storage entirely
// (CUSTOM_URL hosting).
var ErrNoBackend = errors.New("storage: no backend for hosting type")

// Backend provides uniform blob access across hosting strategies.
type Backend interface {
	// Put stores an object under key. Failure is fatal to the ingestion
	// request that triggered it.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open returns a reader for the object at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// URL resolves a browser-servable URL for the object at key.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes every object under prefix.
	Delete(ctx context.Context, prefix string) error
}

const readRetryBackoff = 200 * time.Millisecond

// OpenWithRetry reads an object, retrying once with backoff before surfacing
// ErrUnavailable. Missing objects are not retried.
func OpenWithRetry(ctx context.Context, backend Backend, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(readRetryBackoff)), func(ctx context.Context) error {
		var openErr error
		rc, openErr = backend.Open(ctx, key)
		if openErr == nil {
			return nil
		}
		if errors.Is(openErr, ErrObjectNotFound) {
			return openErr
		}
		return retry.RetryableError(openErr)
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, err
		}
		return nil, errors.Join(ErrUnavailable, err)
	}
	return rc, nil
}

// URLWithRetry resolves an object URL, retrying once with backoff before
// surfacing ErrUnavailable.
func URLWithRetry(ctx context.Context, backend Backend, key string) (string, error) {
	var url string
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(readRetryBackoff)), func(ctx context.Context) error {
		var urlErr error
		url, urlErr = backend.URL(ctx, key)
		if urlErr == nil {
			return nil
		}
		if errors.Is(urlErr, ErrObjectNotFound) {
			return urlErr
		}
		return retry.RetryableError(urlErr)
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", err
		}
		return "", errors.Join(ErrUnavailable, err)
	}
	return url, nil
}
