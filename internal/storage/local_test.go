package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) (*Local, string) {
	t.Helper()
	dir := t.TempDir()
	local, err := NewLocal(dir, "https://hub.example.com/")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return local, dir
}

func TestLocalPutOpenRoundTrip(t *testing.T) {
	local, _ := newTestLocal(t)
	ctx := context.Background()
	key := "mfe-1/env-1/1.0.0/assets/app.js"

	if err := local.Put(ctx, key, strings.NewReader("export {};"), 10, "text/javascript"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := local.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "export {};" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestLocalOpenMissingKey(t *testing.T) {
	local, _ := newTestLocal(t)
	_, err := local.Open(context.Background(), "missing/main.js")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	local, dir := newTestLocal(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(dir), "escape.txt")
	if err := local.Put(ctx, "../escape.txt", strings.NewReader("x"), 1, ""); err == nil {
		if _, statErr := os.Stat(outside); statErr == nil {
			t.Fatalf("traversal key escaped the artifact root")
		}
	}
	if _, err := local.Open(ctx, "../../etc/passwd"); err == nil {
		t.Fatalf("traversal open succeeded")
	}
}

func TestLocalURLIncludesArtifactPrefix(t *testing.T) {
	local, _ := newTestLocal(t)
	url, err := local.URL(context.Background(), "mfe-1/env-1/1.0.0/main.js")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if url != "https://hub.example.com/artifacts/mfe-1/env-1/1.0.0/main.js" {
		t.Fatalf("unexpected URL: %q", url)
	}
	if _, err := local.URL(context.Background(), ""); err == nil {
		t.Fatalf("empty key accepted")
	}
}

func TestLocalDeleteRemovesPrefix(t *testing.T) {
	local, _ := newTestLocal(t)
	ctx := context.Background()
	if err := local.Put(ctx, "mfe-1/env-1/1.0.0/main.js", strings.NewReader("a"), 1, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := local.Put(ctx, "mfe-1/env-1/2.0.0/main.js", strings.NewReader("b"), 1, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := local.Delete(ctx, "mfe-1/env-1/1.0.0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := local.Open(ctx, "mfe-1/env-1/1.0.0/main.js"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("deleted object still readable: %v", err)
	}
	if rc, err := local.Open(ctx, "mfe-1/env-1/2.0.0/main.js"); err != nil {
		t.Fatalf("sibling version removed: %v", err)
	} else {
		rc.Close()
	}
}

func TestOpenWithRetrySurfacesUnavailable(t *testing.T) {
	backend := &flakyBackend{}
	_, err := OpenWithRetry(context.Background(), backend, "key")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if backend.opens < 2 {
		t.Fatalf("transient failure not retried: %d attempts", backend.opens)
	}
}

func TestOpenWithRetryDoesNotRetryMissing(t *testing.T) {
	backend := &flakyBackend{missing: true}
	_, err := OpenWithRetry(context.Background(), backend, "key")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if backend.opens != 1 {
		t.Fatalf("missing object retried: %d attempts", backend.opens)
	}
}

type flakyBackend struct {
	opens   int
	missing bool
}

func (f *flakyBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("unreachable")
}

func (f *flakyBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.opens++
	if f.missing {
		return nil, ErrObjectNotFound
	}
	return nil, errors.New("connection refused")
}

func (f *flakyBackend) URL(ctx context.Context, key string) (string, error) {
	return "", errors.New("connection refused")
}

func (f *flakyBackend) Delete(ctx context.Context, prefix string) error {
	return errors.New("unreachable")
}
