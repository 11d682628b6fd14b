// Package webdav implements the adapter for storage_backends rows of type webdav,
// such as Nextcloud, ownCloud or a plain Apache mod_dav share.
package webdav

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/storage"
)

// clientTimeout caps a single HTTP exchange; the registry applies the shorter
// per-operation deadline on top.
const clientTimeout = 10 * time.Minute

func init() {
	storage.Register(storage.TypeWebDAV, func(_ context.Context, cfg storage.BackendConfig) (storage.Storage, error) {
		return New(cfg)
	})
}

// WebDAVStorage stores keys as files under basePath on a WebDAV server.
type WebDAVStorage struct {
	client    *gowebdav.Client
	basePath  string
	publicURL string
}

// New creates a WebDAV adapter. The server is not contacted until the first call.
func New(cfg storage.BackendConfig) (*WebDAVStorage, error) {
	if cfg.WebDAVURL == "" {
		return nil, fmt.Errorf("webdav url is required")
	}
	u, err := url.Parse(cfg.WebDAVURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webdav url %q", cfg.WebDAVURL)
	}

	client := gowebdav.NewClient(cfg.WebDAVURL, cfg.Username, cfg.Password)
	client.SetTimeout(clientTimeout)

	base := "/" + strings.Trim(cfg.BasePath, "/")
	return &WebDAVStorage{
		client:    client,
		basePath:  base,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

func (s *WebDAVStorage) remotePath(key string) string {
	return path.Join(s.basePath, key)
}

func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return fmt.Errorf("%w: webdav %s %s: %v", apperrors.ErrIO, op, key, err)
}

// await runs fn and returns early when ctx is done; gowebdav has no context support.
// A result that arrives after the caller has gone is closed if it is an io.Closer.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			closeResult(r.v, r.err)
		}()
		var zero T
		return zero, ctx.Err()
	}
}

func closeResult(v any, err error) {
	if err != nil {
		return
	}
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// Upload PUTs the body, creating missing parent collections with MKCOL.
func (s *WebDAVStorage) Upload(ctx context.Context, key string, reader io.Reader, _ int64, _ string) (*storage.UploadResult, error) {
	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(reader, hasher), ctx: ctx}

	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.WriteStream(s.remotePath(key), counter, 0o644)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError("upload", key, err)
	}
	return &storage.UploadResult{
		Key:      key,
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Download GETs the file.
func (s *WebDAVStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := await(ctx, func() (io.ReadCloser, error) {
		return s.client.ReadStream(s.remotePath(key))
	})
	if err != nil {
		return nil, mapError("download", key, err)
	}
	return rc, nil
}

// Delete removes the file; gowebdav already treats 404 as success.
func (s *WebDAVStorage) Delete(ctx context.Context, key string) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Remove(s.remotePath(key))
	})
	if err != nil {
		mapped := mapError("delete", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetURL returns publicUrl/key when the backend has a public URL configured.
// WebDAV has no presigning, so without one the API download route must be used.
func (s *WebDAVStorage) GetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.publicURL == "" {
		return "", fmt.Errorf("%w: webdav backend has no public url", apperrors.ErrNotImplemented)
	}
	return s.publicURL + "/" + key, nil
}

// Exists issues a PROPFIND for key.
func (s *WebDAVStorage) Exists(ctx context.Context, key string) (bool, error) {
	info, err := await(ctx, func() (os.FileInfo, error) {
		return s.client.Stat(s.remotePath(key))
	})
	if err != nil {
		mapped := mapError("exists", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return !info.IsDir(), nil
}

// countingReader counts bytes and stops the PUT body once ctx is done.
type countingReader struct {
	r   io.Reader
	ctx context.Context
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
