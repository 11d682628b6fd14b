package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filevault/filevault/internal/apperrors"
	appconfig "github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/storage"
)

// ---------------------------------------------------------------------------
// New() - constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "b"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth method", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "b", Region: "us-east-1", AuthMethod: "oidc", RoleARN: "arn:aws:iam::123456789:role/r",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(context.Background(), &cfg, ""); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

func TestNew_StaticAuth_WithEndpoint(t *testing.T) {
	s, err := New(context.Background(), &appconfig.S3StorageConfig{
		Bucket:          "my-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Endpoint:        "http://localhost:9000",
	}, "")
	if err != nil {
		t.Fatalf("New() with custom endpoint error: %v", err)
	}
	if s == nil {
		t.Error("New() returned nil storage")
	}
}

func TestNewFromBackend_DefaultsRegion(t *testing.T) {
	s, err := NewFromBackend(context.Background(), storage.BackendConfig{
		Bucket:          "b",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		PublicURL:       "https://cdn.example.com/",
	})
	if err != nil {
		t.Fatalf("NewFromBackend() error: %v", err)
	}
	if s.publicURL != "https://cdn.example.com" {
		t.Errorf("publicURL = %q, want trailing slash trimmed", s.publicURL)
	}
}

func TestNewFromBackend_MissingBucket(t *testing.T) {
	if _, err := NewFromBackend(context.Background(), storage.BackendConfig{}); err == nil {
		t.Error("NewFromBackend() = nil error, want error for missing bucket")
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server for operations tests
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	ctypes  map[string]string
	parts   map[string]map[int][]byte // uploadId → part number → bytes
	aborted int
	fail    bool
}

// newS3TestStorage creates an S3Storage backed by a minimal mock HTTP server that
// speaks just enough of the path-style S3 REST API for the adapter.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{
		objects: map[string][]byte{},
		ctypes:  map[string]string{},
		parts:   map[string]map[int][]byte{},
	}
	const bucket = "test-bucket"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		defer ms.mu.Unlock()

		if ms.fail {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		key := path[idx+1:]
		q := r.URL.Query()

		switch {
		case r.Method == http.MethodPost && q.Has("uploads"):
			id := fmt.Sprintf("upload-%d", len(ms.parts)+1)
			ms.parts[id] = map[int][]byte{}
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0"?><InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, bucket, key, id)

		case r.Method == http.MethodPut && q.Has("uploadId"):
			n, _ := strconv.Atoi(q.Get("partNumber"))
			data, _ := io.ReadAll(r.Body)
			ms.parts[q.Get("uploadId")][n] = data
			w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && q.Has("uploadId"):
			parts := ms.parts[q.Get("uploadId")]
			nums := make([]int, 0, len(parts))
			for n := range parts {
				nums = append(nums, n)
			}
			sort.Ints(nums)
			var buf bytes.Buffer
			for _, n := range nums {
				buf.Write(parts[n])
			}
			ms.objects[key] = buf.Bytes()
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprintf(w, `<?xml version="1.0"?><CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, bucket, key)

		case r.Method == http.MethodDelete && q.Has("uploadId"):
			ms.aborted++
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			ms.objects[key] = data
			ms.ctypes[key] = r.Header.Get("Content-Type")
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet:
			data, ok := ms.objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case r.Method == http.MethodHead:
			data, ok := ms.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodDelete:
			delete(ms.objects, key)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), &appconfig.S3StorageConfig{
		Bucket:          bucket,
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	}, "")
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

// ---------------------------------------------------------------------------
// Upload / Download
// ---------------------------------------------------------------------------

func TestS3_Upload(t *testing.T) {
	s, ms := newS3TestStorage(t)

	data := []byte("hello s3 world")
	result, err := s.Upload(context.Background(), "u1/1_hello.txt", bytes.NewReader(data), int64(len(data)), "text/plain")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Key != "u1/1_hello.txt" {
		t.Errorf("Key = %q, want u1/1_hello.txt", result.Key)
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(result.Checksum))
	}
	if ms.ctypes["u1/1_hello.txt"] != "text/plain" {
		t.Errorf("stored content type = %q, want text/plain", ms.ctypes["u1/1_hello.txt"])
	}
}

func TestS3_RoundTrip(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	want := []byte("download me from s3")
	if _, err := s.Upload(ctx, "dl.txt", bytes.NewReader(want), int64(len(want)), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	rc, err := s.Download(ctx, "dl.txt")
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, want) {
		t.Errorf("Download content = %q, want %q", got, want)
	}
}

func TestS3_Upload_Multipart(t *testing.T) {
	s, ms := newS3TestStorage(t)
	s.multipartThreshold = 8
	s.partSize = 5

	want := []byte("abcdefghijklmnopqrstuvw")
	res, err := s.Upload(context.Background(), "big.bin", bytes.NewReader(want), int64(len(want)), "application/octet-stream")
	if err != nil {
		t.Fatalf("Upload() multipart error: %v", err)
	}
	if res.Size != int64(len(want)) {
		t.Errorf("Size = %d, want %d", res.Size, len(want))
	}
	if !bytes.Equal(ms.objects["big.bin"], want) {
		t.Errorf("assembled object = %q, want %q", ms.objects["big.bin"], want)
	}
	if ms.aborted != 0 {
		t.Errorf("aborted = %d, want 0", ms.aborted)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.Download(context.Background(), "nonexistent.txt")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestS3_ServerErrorsMapToIO(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ms.fail = true

	_, err := s.Upload(context.Background(), "x", strings.NewReader("x"), 1, "")
	if !errors.Is(err, apperrors.ErrIO) {
		t.Errorf("Upload() error = %v, want ErrIO", err)
	}
	_, err = s.Exists(context.Background(), "x")
	if !errors.Is(err, apperrors.ErrIO) {
		t.Errorf("Exists() error = %v, want ErrIO", err)
	}
}

// ---------------------------------------------------------------------------
// Delete / Exists
// ---------------------------------------------------------------------------

func TestS3_Delete(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "todel.txt", strings.NewReader("bye"), 3, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.Delete(ctx, "todel.txt"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, "todel.txt"); ok {
		t.Error("Exists = true after delete, want false")
	}
	if err := s.Delete(ctx, "todel.txt"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}

func TestS3_Exists(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "ghost.txt")
	if err != nil || ok {
		t.Errorf("Exists(ghost) = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.Upload(ctx, "exists.txt", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err = s.Exists(ctx, "exists.txt")
	if err != nil || !ok {
		t.Errorf("Exists(exists) = %v, %v; want true, nil", ok, err)
	}
}

// ---------------------------------------------------------------------------
// GetURL
// ---------------------------------------------------------------------------

func TestS3_GetURL_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.GetURL(context.Background(), "missing.txt", time.Hour)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetURL() error = %v, want ErrNotFound", err)
	}
}

func TestS3_GetURL_Presigned(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()
	if _, err := s.Upload(ctx, "forurl.txt", strings.NewReader("content"), 7, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	url, err := s.GetURL(ctx, "forurl.txt", time.Hour)
	if err != nil {
		t.Fatalf("GetURL() error: %v", err)
	}
	if !strings.Contains(url, "forurl.txt") || !strings.Contains(url, "X-Amz-Signature") {
		t.Errorf("GetURL() = %q, want presigned URL for forurl.txt", url)
	}
}

func TestS3_GetURL_PublicURL(t *testing.T) {
	s, _ := newS3TestStorage(t)
	s.publicURL = "https://cdn.example.com"
	ctx := context.Background()
	if _, err := s.Upload(ctx, "u/1_a.png", strings.NewReader("png"), 3, "image/png"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	url, err := s.GetURL(ctx, "u/1_a.png", time.Hour)
	if err != nil {
		t.Fatalf("GetURL() error: %v", err)
	}
	if url != "https://cdn.example.com/u/1_a.png" {
		t.Errorf("GetURL() = %q, want public URL", url)
	}
}
