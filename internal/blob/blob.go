// Package blob stores raw payloads outside the relational database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("blob: object not found")

// Store is the payload storage the raw dedup layer writes to. The vendor
// behind it is a deployment choice.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FSStore keeps objects as files under a root directory.
// Refs have the form "fs://<key>".
type FSStore struct {
	root string
}

const fsScheme = "fs://"

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data atomically (temp file + rename). Writing an existing key
// replaces it.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return fsScheme + key, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := strings.CutPrefix(ref, fsScheme)
	if !ok {
		return nil, fmt.Errorf("blob: unsupported ref %q", ref)
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	return data, nil
}

// path maps a key to a file under root, rejecting keys that escape it.
func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Key builds the object key of a raw payload: source/externalID/hash.
func Key(source, externalID, hash string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(externalID)
	return source + "/" + safe + "/" + hash
}
