// Package local implements the filesystem driver for the native object store. It
// suits development and single-node deployments; several FileVault instances would
// need a shared filesystem to use it.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/storage"
)

func init() {
	storage.RegisterNative("local", func(_ context.Context, cfg *config.StorageConfig) (storage.Storage, error) {
		return New(cfg.Local.BasePath)
	})
}

// LocalStorage stores each key as a file below basePath.
type LocalStorage struct {
	basePath string
}

// New creates the base directory if needed.
func New(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local storage base_path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

// resolve maps key to a path inside basePath, rejecting keys that escape it.
func (s *LocalStorage) resolve(key string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(key))
	if full == s.basePath || !strings.HasPrefix(full, s.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: storage key %q escapes base path", apperrors.ErrInvalidArgument, key)
	}
	return full, nil
}

// Upload writes to a temp file in the target directory and renames it into place,
// so readers never observe a partial object.
func (s *LocalStorage) Upload(ctx context.Context, key string, reader io.Reader, _ int64, _ string) (*storage.UploadResult, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", apperrors.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create file: %v", apperrors.ErrIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to write file: %v", apperrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: failed to flush file: %v", apperrors.ErrIO, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("%w: failed to commit file: %v", apperrors.ErrIO, err)
	}

	return &storage.UploadResult{
		Key:      key,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Download opens the file for key.
func (s *LocalStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: failed to open file: %v", apperrors.ErrIO, err)
	}
	return file, nil
}

// Delete removes the file and any parent directories it leaves empty.
func (s *LocalStorage) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to delete file: %v", apperrors.ErrIO, err)
	}

	dir := filepath.Dir(fullPath)
	for dir != s.basePath {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// GetURL is not supported; local objects are served through the API download route.
func (s *LocalStorage) GetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", fmt.Errorf("%w: local storage cannot presign URLs", apperrors.ErrNotImplemented)
}

// Exists reports whether a regular file is stored under key.
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to check file existence: %v", apperrors.ErrIO, err)
	}
	return info.Mode().IsRegular(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
