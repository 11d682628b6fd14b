package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/telemetry"
)

// instrumented bounds every adapter call with a timeout, folds unclassified errors
// into apperrors.ErrIO, and records operation metrics.
type instrumented struct {
	inner       Storage
	timeout     time.Duration
	backendType string
}

// WithTimeout wraps s so each call runs under its own deadline. A timeout surfaces
// as apperrors.ErrIO. A non-positive timeout disables the deadline but keeps metrics.
func WithTimeout(s Storage, timeout time.Duration, backendType string) Storage {
	return &instrumented{inner: s, timeout: timeout, backendType: backendType}
}

// Unwrap returns the adapter underneath the decorator.
func (s *instrumented) Unwrap() Storage { return s.inner }

func (s *instrumented) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *instrumented) finish(ctx context.Context, op string, start time.Time, err error) error {
	telemetry.StorageOperationDuration.WithLabelValues(s.backendType, op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	err = classify(ctx, op, err)
	telemetry.StorageOperationErrorsTotal.WithLabelValues(s.backendType, op, apperrors.Kind(err)).Inc()
	return err
}

// classify makes sure err belongs to the taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", apperrors.ErrIO, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if apperrors.Kind(err) == "internal" {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrIO, op, err)
	}
	return err
}

func (s *instrumented) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()
	start := time.Now()
	res, err := s.inner.Upload(ctx, key, reader, size, contentType)
	if err = s.finish(ctx, "upload", start, err); err != nil {
		return nil, err
	}
	telemetry.UploadedBytesTotal.WithLabelValues(s.backendType).Add(float64(res.Size))
	return res, nil
}

func (s *instrumented) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := s.begin(ctx)
	start := time.Now()
	rc, err := s.inner.Download(ctx, key)
	if err = s.finish(ctx, "download", start, err); err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

func (s *instrumented) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.begin(ctx)
	defer cancel()
	start := time.Now()
	return s.finish(ctx, "delete", start, s.inner.Delete(ctx, key))
}

func (s *instrumented) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()
	start := time.Now()
	u, err := s.inner.GetURL(ctx, key, ttl)
	if err = s.finish(ctx, "url", start, err); err != nil {
		return "", err
	}
	return u, nil
}

func (s *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()
	start := time.Now()
	ok, err := s.inner.Exists(ctx, key)
	if err = s.finish(ctx, "exists", start, err); err != nil {
		return false, err
	}
	return ok, nil
}

// cancelOnClose releases the download deadline once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
