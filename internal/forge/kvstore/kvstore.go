// Package kvstore provides per-namespace JSON blob storage for modules.
//
// Each namespace is a directory under the base path; each key is a
// "<key>.json" file. Writes go to a temporary file in the same directory and
// are renamed over the destination, so readers observe either the previous
// value or the new one, never a partial write. A crash mid-write can leave a
// stray temp file behind; those are swept on the next namespace listing.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("not found")

const tmpPrefix = ".tmp-"

// Store persists JSON values per module namespace.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating it if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) namespaceDir(namespace string) (string, error) {
	dir := filepath.Join(s.baseDir, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create namespace dir: %w", err)
	}
	return dir, nil
}

// Put serializes value as JSON and atomically replaces the stored blob.
func (s *Store) Put(namespace, key string, value any) error {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+key+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, key+".json")); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get decodes the stored blob into out. Returns ErrNotFound if absent.
func (s *Store) Get(namespace, key string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, namespace, key+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
		}
		return fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return nil
}

// GetRaw returns the stored value decoded into a generic any value, or the
// provided default when the key is absent.
func (s *Store) GetRaw(namespace, key string, def any) (any, error) {
	var out any
	err := s.Get(namespace, key, &out)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (s *Store) Delete(namespace, key string) error {
	err := os.Remove(filepath.Join(s.baseDir, namespace, key+".json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys returns the namespace's keys in lexicographic order. Stray temp files
// left by interrupted writes are removed along the way.
func (s *Store) Keys(namespace string) ([]string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			os.Remove(filepath.Join(dir, name))
			continue
		}
		if strings.HasSuffix(name, ".json") {
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
