// Package ftp registers placeholder adapters for the ftp and sftp backend types.
// Rows of these types can be created and resolved, but every operation fails
// with apperrors.ErrNotImplemented until a real transport is added.
package ftp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/storage"
)

func init() {
	for _, t := range []string{storage.TypeFTP, storage.TypeSFTP} {
		backendType := t
		storage.Register(backendType, func(_ context.Context, cfg storage.BackendConfig) (storage.Storage, error) {
			return New(backendType, cfg), nil
		})
	}
}

// Stub satisfies storage.Storage without talking to any server.
type Stub struct {
	backendType string
	addr        string
}

// New returns a stub adapter for an ftp or sftp backend.
func New(backendType string, cfg storage.BackendConfig) *Stub {
	return &Stub{backendType: backendType, addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
}

func (s *Stub) notImplemented(op string) error {
	return fmt.Errorf("%w: %s %s on %s", apperrors.ErrNotImplemented, s.backendType, op, s.addr)
}

func (s *Stub) Upload(context.Context, string, io.Reader, int64, string) (*storage.UploadResult, error) {
	return nil, s.notImplemented("upload")
}

func (s *Stub) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, s.notImplemented("download")
}

func (s *Stub) Delete(context.Context, string) error {
	return s.notImplemented("delete")
}

func (s *Stub) GetURL(context.Context, string, time.Duration) (string, error) {
	return "", s.notImplemented("url")
}

func (s *Stub) Exists(context.Context, string) (bool, error) {
	return false, s.notImplemented("exists")
}
