// Package storage is the gateway over "where the uploaded file currently
// lives": a local spool directory for single-node deployments or an S3
// bucket when workers run on separate hosts. The pipeline owns an uploaded
// file exclusively from creation until the import reaches terminal status.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists uploaded source files between the ingress handler and
// the parse worker. Save returns an opaque location handle that Open and
// Delete accept back.
type FileStore interface {
	Save(ctx context.Context, key string, r io.Reader) (location string, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// LocalStore keeps uploads in a spool directory on local disk.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the spool directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "import-uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

// Save streams the upload to disk. The key is sanitized to its base name
// so callers cannot escape the spool directory.
func (s *LocalStore) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(key))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

func (s *LocalStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open upload file %s: %w", location, err)
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, location string) error {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload file %s: %w", location, err)
	}
	return nil
}

// keyFromLocation strips the scheme prefix S3Store encodes into handles.
func keyFromLocation(location, prefix string) string {
	return strings.TrimPrefix(location, prefix)
}
