package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/registry"
	"github.com/filevault/filevault/internal/storage"
)

var errDB = errors.New("db error")

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// In-memory storage adapter
// ---------------------------------------------------------------------------

type memStorage struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploadErr  error
	deleteErr  error
	url        string
	onUploaded func()
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) (*storage.UploadResult, error) {
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	if s.onUploaded != nil {
		s.onUploaded()
	}
	sum := sha256.Sum256(data)
	return &storage.UploadResult{Key: key, Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}, nil
}

func (s *memStorage) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *memStorage) GetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	if s.url == "" {
		return "", fmt.Errorf("%w: presign", apperrors.ErrNotImplemented)
	}
	return s.url + "/" + key, nil
}

func (s *memStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// ---------------------------------------------------------------------------
// Resolver and quota fakes
// ---------------------------------------------------------------------------

type fakeResolver struct {
	backend *models.StorageBackend
	store   *memStorage
	err     error
}

func (r *fakeResolver) Resolve(_ context.Context, _, _ string) (*registry.Resolved, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &registry.Resolved{Backend: r.backend, Storage: r.store}, nil
}

func (r *fakeResolver) ForFile(_ context.Context, _ *models.File) (*registry.Resolved, error) {
	return &registry.Resolved{Backend: r.backend, Storage: r.store}, nil
}

// fakeQuota mirrors the conditional reserve and floored release done in SQL.
type fakeQuota struct {
	mu       sync.Mutex
	limit    map[string]int64
	used     map[string]int64
	releases int
	reported []string
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{limit: map[string]int64{}, used: map[string]int64{}}
}

func (q *fakeQuota) CheckBackend(context.Context, *models.StorageBackend, int64) error { return nil }

func (q *fakeQuota) Reserve(_ context.Context, userID string, n int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lim := q.limit[userID]; lim > 0 && q.used[userID]+n > lim {
		return fmt.Errorf("%w: user quota", apperrors.ErrQuotaExceeded)
	}
	q.used[userID] += n
	return nil
}

func (q *fakeQuota) Release(_ context.Context, userID string, n int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releases++
	q.used[userID] -= n
	if q.used[userID] < 0 {
		q.used[userID] = 0
	}
	return nil
}

func (q *fakeQuota) ReportGroup(_ context.Context, groupID *string, _ string) (*models.GroupBackendUsage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reported = append(q.reported, *groupID)
	return nil, nil
}

// ---------------------------------------------------------------------------
// Manager construction and row helpers
// ---------------------------------------------------------------------------

type harness struct {
	m     *Manager
	mock  sqlmock.Sqlmock
	store *memStorage
	quota *fakeQuota
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		db.Close()
	})

	store := newMemStorage()
	q := newFakeQuota()
	resolver := &fakeResolver{
		backend: &models.StorageBackend{ID: "b1", Name: "primary", Type: "webdav", Enabled: true},
		store:   store,
	}
	m := NewManager(sqlx.NewDb(db, "sqlmock"), resolver, q, Config{BaseURL: "https://vault.example.com/"})
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &harness{m: m, mock: mock, store: store, quota: q}
}

var fileCols = []string{
	"id", "name", "size_bytes", "mime_type", "storage_key", "storage_backend_id", "owner_id",
	"parent_id", "path", "kind", "is_starred", "download_count", "status", "checksum",
	"created_at", "updated_at",
}

var userCols = []string{
	"id", "email", "name", "role", "group_id", "storage_quota_gb", "storage_used_gb",
	"default_backend_id", "created_at", "updated_at",
}

func fileRows(files ...*models.File) *sqlmock.Rows {
	rows := sqlmock.NewRows(fileCols)
	now := time.Now()
	for _, f := range files {
		status := f.Status
		if status == "" {
			status = models.FileStatusActive
		}
		var parent interface{}
		if f.ParentID != nil {
			parent = *f.ParentID
		}
		rows.AddRow(f.ID, f.Name, f.SizeBytes, "text/plain", f.StorageKey, "b1", f.OwnerID,
			parent, f.Path, f.Kind, false, int64(0), status, "", now, now)
	}
	return rows
}

func userRow(id string, groupID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(userCols).
		AddRow(id, id+"@example.com", id, "user", groupID, 1.0, 0.0, nil, now, now)
}

func folder(id, name, path, owner string, parent *string) *models.File {
	return &models.File{ID: id, Name: name, Path: path, OwnerID: owner, ParentID: parent, Kind: "folder",
		StorageKey: "folder_" + owner + "_1"}
}

func file(id, name, path, owner string, parent *string, size int64) *models.File {
	return &models.File{ID: id, Name: name, Path: path, OwnerID: owner, ParentID: parent, Kind: "code",
		SizeBytes: size, StorageKey: owner + "/1_" + name}
}

func (h *harness) expectUser(id string, groupID interface{}) {
	h.mock.ExpectQuery("FROM users WHERE id = \\$1").WithArgs(id).WillReturnRows(userRow(id, groupID))
}

func (h *harness) expectGet(f *models.File) {
	h.mock.ExpectQuery("FROM files WHERE id = \\$1$").WithArgs(f.ID).WillReturnRows(fileRows(f))
}

func (h *harness) expectGetMissing(id string) {
	h.mock.ExpectQuery("FROM files WHERE id = \\$1$").WithArgs(id).WillReturnRows(sqlmock.NewRows(fileCols))
}

// expectGetMalformed answers the lookup the way Postgres does for a non-uuid id.
func (h *harness) expectGetMalformed(id string) {
	h.mock.ExpectQuery("FROM files WHERE id = \\$1$").WithArgs(id).
		WillReturnError(&pq.Error{Code: "22P02", Message: "invalid input syntax for type uuid"})
}

func (h *harness) expectLock(f *models.File) {
	h.mock.ExpectQuery("FROM files WHERE id = \\$1 FOR UPDATE").WithArgs(f.ID).WillReturnRows(fileRows(f))
}

func (h *harness) expectAudit(action string) {
	h.mock.ExpectQuery("INSERT INTO system_logs").
		WithArgs(action, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
}

func alice() Actor { return Actor{UserID: "alice", Role: models.RoleUser, IP: "10.0.0.1"} }
func admin() Actor { return Actor{UserID: "root", Role: models.RoleAdmin} }
