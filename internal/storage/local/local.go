// Package local provides atomic file writes and a local-directory mirror
// backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempPattern is the name pattern of in-flight writes. Tree listings and
// the watcher skip files matching it.
const TempPattern = ".workbench-*.tmp"

// WriteFileAtomic writes body to path via a temp file in the same
// directory and a rename, creating parent directories as needed. Readers
// never observe a partially written file.
func WriteFileAtomic(path string, body io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create dirs for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close temp for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return n, nil
}

// IsTempName reports whether a base name belongs to an in-flight write.
func IsTempName(name string) bool {
	ok, _ := filepath.Match(TempPattern, name)
	return ok
}

// Config holds local mirror settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// LocalBackend implements storage.Backend by copying files into a second
// directory, typically on another volume.
type LocalBackend struct {
	rootPath string
}

// New creates a new local mirror backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// PutObject writes content to the mirror directory atomically.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	if _, err := WriteFileAtomic(b.fullPath(key), body); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file from the mirror directory.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists checks if a file exists in the mirror directory.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
