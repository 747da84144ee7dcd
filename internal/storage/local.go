package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Local stores artifact blobs under a hub-owned directory and serves them
// through the hub's /artifacts endpoint.
type Local struct {
	root    string
	baseURL string
}

// NewLocal constructs a hub-local backend rooted at dir. baseURL is the
// public address the hub serves artifacts from.
func NewLocal(dir, baseURL string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact root directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Local{root: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// resolve maps a key to a path inside the root, rejecting traversal.
func (l *Local) resolve(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", errors.New("empty storage key")
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

// Put writes an object to disk.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	target, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create object file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("write object: %w", err)
	}
	return f.Close()
}

// Open returns a reader over the stored object.
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	target, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return f, nil
}

// URL returns the hub-served artifact address for the object.
func (l *Local) URL(ctx context.Context, key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", errors.New("empty storage key")
	}
	return l.baseURL + "/artifacts" + cleaned, nil
}

// Delete removes every object under prefix.
func (l *Local) Delete(ctx context.Context, prefix string) error {
	target, err := l.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove objects: %w", err)
	}
	return nil
}
