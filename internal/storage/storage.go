// Package storage defines the adapter contract every physical backend implements,
// the configuration blob stored with each backend row, and the factories that turn
// a backend type into a concrete adapter.
//
// Each adapter package registers itself from an init() function:
//
//	func init() {
//	    storage.Register(storage.TypeWebDAV, func(ctx context.Context, cfg storage.BackendConfig) (storage.Storage, error) {
//	        return New(cfg)
//	    })
//	}
//
// cmd/server blank-imports the adapter packages so the registrations run.
package storage

import (
	"context"
	"io"
	"time"
)

// Backend type discriminants stored in storage_backends.type.
const (
	TypeNativeObject = "native-object"
	TypeS3           = "s3-compatible"
	TypeWebDAV       = "webdav"
	TypeFTP          = "ftp"
	TypeSFTP         = "sftp"
)

// ValidType reports whether t is a known backend type.
func ValidType(t string) bool {
	switch t {
	case TypeNativeObject, TypeS3, TypeWebDAV, TypeFTP, TypeSFTP:
		return true
	}
	return false
}

// Storage is the capability set of one physical backend.
//
// Implementations map remote failures onto the apperrors taxonomy: a missing key is
// ErrNotFound, a transport or auth failure is ErrIO, and a stub is ErrNotImplemented.
type Storage interface {
	// Upload stores the bytes read from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error)

	// Download returns a reader over the stored bytes. The caller must Close it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a key that does not exist succeeds.
	Delete(ctx context.Context, key string) error

	// GetURL returns a URL the client can fetch directly, valid for ttl where the
	// backend supports expiry.
	GetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// UploadResult describes a stored object.
type UploadResult struct {
	Key string
	// Size is the number of bytes actually written.
	Size int64
	// Checksum is the hex SHA256 of the contents.
	Checksum string
}
