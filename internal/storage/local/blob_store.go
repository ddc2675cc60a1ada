// Package local archives raw response bodies on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory under which bodies are archived.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes raw bodies under BaseDir.
type BlobStore struct {
	baseDir string
}

var _ parcel.BlobStore = (*BlobStore)(nil)

// New creates the base directory if needed and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, parcel.NewError(parcel.CodeConfigMissing, "local blob store", "base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %q is not a directory", cfg.BaseDir)
	}

	tmp, err := os.CreateTemp(cfg.BaseDir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove writability check file: %w", err)
	}
	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject writes the body to baseDir/path and returns a file:// URI. Paths
// are content addressed, so an existing file is left untouched.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, body io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	uri := "file://" + fullPath
	if _, err := os.Stat(fullPath); err == nil {
		return uri, nil
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", parcel.WrapError(parcel.CodeStorageFailed, "create blob directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", parcel.WrapError(parcel.CodeStorageFailed, "create blob", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", parcel.WrapError(parcel.CodeStorageFailed, "write blob", err)
	}
	if err := tmp.Close(); err != nil {
		return "", parcel.WrapError(parcel.CodeStorageFailed, "close blob", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", parcel.WrapError(parcel.CodeStorageFailed, "rename blob", err)
	}
	return uri, nil
}

// Open returns a reader for a previously archived body.
func (s *BlobStore) Open(path string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath) // #nosec G304 -- path is confined to baseDir by resolve.
	if os.IsNotExist(err) {
		return nil, parcel.ErrNotFound
	}
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeStorageFailed, "open blob", err)
	}
	return f, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", parcel.NewError(parcel.CodeInvalidRequest, "blob path", "path is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", parcel.NewError(parcel.CodeInvalidRequest, "blob path", "path escapes base directory")
	}
	return full, nil
}
