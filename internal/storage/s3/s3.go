// Package s3 implements the S3-compatible adapter. It backs both the "s3" native
// driver, configured from the process config with the full AWS credential chain,
// and storage_backends rows of type s3-compatible (AWS S3, MinIO, R2, Spaces).
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/filevault/filevault/internal/apperrors"
	appconfig "github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/storage"
)

const (
	defaultRegion = "us-east-1"
	// uploads larger than this go through the multipart API
	defaultMultipartThreshold = 64 << 20
	defaultPartSize           = 16 << 20
)

func init() {
	storage.RegisterNative("s3", func(ctx context.Context, cfg *appconfig.StorageConfig) (storage.Storage, error) {
		return New(ctx, &cfg.S3, "")
	})
	storage.Register(storage.TypeS3, func(ctx context.Context, cfg storage.BackendConfig) (storage.Storage, error) {
		return NewFromBackend(ctx, cfg)
	})
}

// S3Storage implements storage.Storage for S3-compatible object stores.
type S3Storage struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	publicURL     string

	multipartThreshold int64
	partSize           int64
}

// NewFromBackend builds an adapter from a storage_backends config blob. Static keys
// are used when present, otherwise the default AWS credential chain.
func NewFromBackend(ctx context.Context, cfg storage.BackendConfig) (*S3Storage, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	return New(ctx, &appconfig.S3StorageConfig{
		Endpoint:        cfg.Endpoint,
		Region:          region,
		Bucket:          cfg.Bucket,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	}, cfg.PublicURL)
}

// New creates an S3-compatible adapter.
//
// Authentication methods:
//   - "default" or empty: AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": explicit access key and secret key
//   - "oidc": Web Identity token (EKS, GitHub Actions)
//   - "assume_role": IAM role, optionally with an external ID for cross-account access
//
// When publicURL is set, GetURL returns publicURL/key instead of a presigned URL.
func New(ctx context.Context, cfg *appconfig.S3StorageConfig, publicURL string) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case "oidc", "assume_role", "default":
		// oidc and assume_role need the base config first; see below
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'static', 'oidc', or 'assume_role')", authMethod)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch authMethod {
	case "oidc":
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("role_arn is required for OIDC auth")
		}
		if cfg.WebIdentityTokenFile == "" {
			return nil, fmt.Errorf("web_identity_token_file is required for OIDC auth")
		}
		var webOpts []func(*stscreds.WebIdentityRoleOptions)
		if cfg.RoleSessionName != "" {
			webOpts = append(webOpts, func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(awsCfg),
			cfg.RoleARN,
			stscreds.IdentityTokenFile(cfg.WebIdentityTokenFile),
			webOpts...,
		)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)

	case "assume_role":
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("role_arn is required for assume_role auth")
		}
		var roleOpts []func(*stscreds.AssumeRoleOptions)
		if cfg.RoleSessionName != "" {
			roleOpts = append(roleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		if cfg.ExternalID != "" {
			roleOpts = append(roleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(cfg.ExternalID)
			})
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, roleOpts...)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// most S3-compatible servers reject the newer default integrity headers
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Storage{
		client:             client,
		presignClient:      s3.NewPresignClient(client),
		bucket:             cfg.Bucket,
		publicURL:          strings.TrimRight(publicURL, "/"),
		multipartThreshold: defaultMultipartThreshold,
		partSize:           defaultPartSize,
	}, nil
}

// mapError folds SDK errors into the apperrors taxonomy.
func mapError(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &nsk) || errors.As(err, &nf) ||
		(errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound) {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return fmt.Errorf("%w: s3 %s %s: %v", apperrors.ErrIO, op, key, err)
}

// Upload stores the object. Bodies above the multipart threshold are streamed in
// parts; smaller ones are buffered so the request can be signed.
func (s *S3Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*storage.UploadResult, error) {
	if size > s.multipartThreshold {
		return s.uploadMultipart(ctx, key, reader, contentType)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read upload body: %v", apperrors.ErrIO, err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"sha256": checksum},
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, mapError("upload", key, err)
	}

	return &storage.UploadResult{Key: key, Size: int64(len(data)), Checksum: checksum}, nil
}

func (s *S3Storage) uploadMultipart(ctx context.Context, key string, reader io.Reader, contentType string) (*storage.UploadResult, error) {
	createIn := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		createIn.ContentType = aws.String(contentType)
	}
	created, err := s.client.CreateMultipartUpload(ctx, createIn)
	if err != nil {
		return nil, mapError("upload", key, err)
	}
	uploadID := created.UploadId

	abort := func() {
		// the request context may already be done
		_, _ = s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
	}

	hasher := sha256.New()
	var parts []types.CompletedPart
	var total int64
	partNumber := int32(1)
	buf := make([]byte, s.partSize)
	for {
		n, readErr := io.ReadFull(reader, buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
			resp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(key),
				UploadId:   uploadID,
				PartNumber: aws.Int32(partNumber),
				Body:       bytes.NewReader(buf[:n]),
			})
			if err != nil {
				abort()
				return nil, mapError("upload", key, err)
			}
			parts = append(parts, types.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int32(partNumber)})
			partNumber++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			abort()
			return nil, fmt.Errorf("%w: failed to read upload body: %v", apperrors.ErrIO, readErr)
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return nil, mapError("upload", key, err)
	}

	return &storage.UploadResult{Key: key, Size: total, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// Download streams the object body.
func (s *S3Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapError("download", key, err)
	}
	return result.Body, nil
}

// Delete removes the object; a missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
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

// GetURL returns publicURL/key when a public URL is configured, otherwise a
// presigned GET URL valid for ttl.
func (s *S3Storage) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	if s.publicURL != "" {
		return s.publicURL + "/" + key, nil
	}

	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", mapError("url", key, err)
	}
	return request.URL, nil
}

// Exists issues a HEAD request for key.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapError("exists", key, err)
		if errors.Is(mapped, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}
