// Package gcs implements the Google Cloud Storage driver for the native object
// store. Supports Application Default Credentials, service account JSON keys, and
// Workload Identity Federation.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/filevault/filevault/internal/apperrors"
	appconfig "github.com/filevault/filevault/internal/config"
	appstorage "github.com/filevault/filevault/internal/storage"
)

func init() {
	appstorage.RegisterNative("gcs", func(ctx context.Context, cfg *appconfig.StorageConfig) (appstorage.Storage, error) {
		return New(ctx, &cfg.GCS)
	})
}

const chunkSize = 16 << 20

// GCSStorage implements storage.Storage for one GCS bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates a GCS driver.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials
//   - "service_account": a service account key file or inline JSON
//   - "workload_identity": Workload Identity Federation through ADC
func New(ctx context.Context, cfg *appconfig.GCSStorageConfig, extra ...option.ClientOption) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(ctx, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.Is(err, storage.ErrObjectNotExist) || (errors.As(err, &gerr) && gerr.Code == http.StatusNotFound) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return fmt.Errorf("%w: gcs %s %s: %v", apperrors.ErrIO, op, key, err)
}

// Upload streams the body through a resumable writer, hashing as it goes.
func (s *GCSStorage) Upload(ctx context.Context, key string, reader io.Reader, _ int64, contentType string) (*appstorage.UploadResult, error) {
	// cancelling ctx aborts the resumable session
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ChunkSize = chunkSize
	writer.ContentType = contentType

	hasher := sha256.New()
	written, err := io.Copy(writer, io.TeeReader(reader, hasher))
	if err != nil {
		cancel()
		_ = writer.Close()
		return nil, mapError("upload", key, err)
	}
	if err := writer.Close(); err != nil {
		return nil, mapError("upload", key, err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	// the object is stored even if the checksum annotation fails
	_, _ = s.client.Bucket(s.bucket).Object(key).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"sha256": checksum},
	})
	return &appstorage.UploadResult{Key: key, Size: written, Checksum: checksum}, nil
}

// Download opens a reader over the object.
func (s *GCSStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapError("download", key, err)
	}
	return reader, nil
}

// Delete removes the object; a missing object is not an error.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		mapped := mapError("delete", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetURL returns a V4 signed URL. The credentials need signBlob permission.
func (s *GCSStorage) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", mapError("url", key, err)
	}
	return url, nil
}

// Exists reads the object attributes.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx); err != nil {
		mapped := mapError("exists", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}
