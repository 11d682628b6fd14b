// Package azure implements the Azure Blob Storage driver for the native object
// store. Downloads can be handed out as short-lived SAS URLs or through a CDN.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/storage"
)

func init() {
	storage.RegisterNative("azure", func(_ context.Context, cfg *config.StorageConfig) (storage.Storage, error) {
		return New(&cfg.Azure)
	})
}

// AzureStorage implements storage.Storage for one blob container.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	accountName   string
	accountKey    string
	cdnURL        string
}

// New creates an Azure Blob driver authenticated with the account shared key.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
		accountKey:    cfg.AccountKey,
		cdnURL:        strings.TrimRight(cfg.CDNURL, "/"),
	}, nil
}

func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *azcore.ResponseError
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) ||
		(errors.As(err, &re) && re.StatusCode == http.StatusNotFound) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return fmt.Errorf("%w: azure %s %s: %v", apperrors.ErrIO, op, key, err)
}

func (s *AzureStorage) blob(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)
}

// Upload buffers the body to compute its SHA256 and stores it as a block blob with
// the checksum in blob metadata.
func (s *AzureStorage) Upload(ctx context.Context, key string, reader io.Reader, _ int64, contentType string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read upload body: %v", apperrors.ErrIO, err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	opts := &blockblob.UploadOptions{
		Metadata: map[string]*string{"sha256": &checksum},
	}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	bb := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
	if _, err := bb.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts); err != nil {
		return nil, mapError("upload", key, err)
	}

	return &storage.UploadResult{Key: key, Size: int64(len(data)), Checksum: checksum}, nil
}

// Download streams the blob.
func (s *AzureStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blob(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, mapError("download", key, err)
	}
	return resp.Body, nil
}

// Delete removes the blob; a missing blob is not an error.
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.blob(key).Delete(ctx, nil); err != nil {
		mapped := mapError("delete", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return nil
		}
		return mapped
	}
	return nil
}

// GetURL returns a CDN URL when one is configured, otherwise a read-only SAS URL.
func (s *AzureStorage) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	if s.cdnURL != "" {
		return s.cdnURL + "/" + key, nil
	}

	credential, err := azblob.NewSharedKeyCredential(s.accountName, s.accountKey)
	if err != nil {
		return "", fmt.Errorf("failed to create credential for SAS: %w", err)
	}
	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute), // clock skew
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      key,
	}.SignWithSharedKey(credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", s.accountName, s.containerName, url.PathEscape(key))
	return blobURL + "?" + params.Encode(), nil
}

// Exists reads the blob properties.
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blob(key).GetProperties(ctx, nil); err != nil {
		mapped := mapError("exists", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}
