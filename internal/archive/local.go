package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSink writes objects as files below a directory.
type LocalSink struct {
	dir string
}

// NewLocalSink creates dir if needed.
func NewLocalSink(dir string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("local archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Put writes body to dir/key, replacing any existing file atomically.
func (s *LocalSink) Put(_ context.Context, key string, body []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.dir, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create archive subdirectory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", k, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", k, err)
	}
	return nil
}

// Location returns the directory.
func (s *LocalSink) Location() string { return s.dir }
