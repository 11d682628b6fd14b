package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/filevault/filevault/internal/db/models"
)

func newFileRepo(t *testing.T) (*FileRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewFileRepository(db), mock
}

// ---------------------------------------------------------------------------
// Create / GetByID
// ---------------------------------------------------------------------------

func TestFileCreate_AssignsIDAndDefaults(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("INSERT INTO files").WillReturnResult(sqlmockResult(1))

	f := &models.File{Name: "a.txt", OwnerID: "owner-1", Path: "/a.txt", Kind: "code"}
	if err := repo.Create(context.Background(), f); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if f.ID == "" {
		t.Error("ID not assigned")
	}
	if f.Status != models.FileStatusActive {
		t.Errorf("Status = %q, want active", f.Status)
	}
	if f.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestFileGetByID_Found(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT .* FROM files WHERE id = \\$1$").WithArgs("f1").
		WillReturnRows(fileRow(sqlmock.NewRows(fileCols), "f1", "a.txt", "/a.txt", "code", nil, 42))

	f, err := repo.GetByID(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if f == nil || f.SizeBytes != 42 || f.Path != "/a.txt" {
		t.Fatalf("GetByID() = %+v", f)
	}
	if f.ParentID != nil {
		t.Errorf("ParentID = %v, want nil", *f.ParentID)
	}
}

func TestFileGetByID_NotFound(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT .* FROM files").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(fileCols))

	f, err := repo.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if f != nil {
		t.Errorf("GetByID() = %+v, want nil", f)
	}
}

func TestFileGetByID_MalformedIDIsAbsent(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT .* FROM files").WithArgs("abc").WillReturnError(errBadUUID)

	f, err := repo.GetByID(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if f != nil {
		t.Errorf("GetByID() = %+v, want nil", f)
	}
}

func TestFileGetByID_OtherErrorsPropagate(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT .* FROM files").WithArgs("f1").
		WillReturnError(&pq.Error{Code: "57014", Message: "canceling statement"})

	if _, err := repo.GetByID(context.Background(), "f1"); err == nil {
		t.Fatal("GetByID() error = nil, want the driver error")
	}
}

func TestIsInvalidID(t *testing.T) {
	if !IsInvalidID(errBadUUID) {
		t.Error("IsInvalidID(22P02) = false")
	}
	if !IsInvalidID(fmt.Errorf("wrapped: %w", errBadUUID)) {
		t.Error("IsInvalidID(wrapped 22P02) = false")
	}
	if IsInvalidID(errDB) || IsInvalidID(nil) {
		t.Error("IsInvalidID() = true for an unrelated error")
	}
}

func TestFileGetForUpdate_Locks(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT .* FROM files WHERE id = \\$1 FOR UPDATE").WithArgs("f1").
		WillReturnError(errDB)

	if _, err := repo.GetForUpdate(context.Background(), "f1"); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestFileList_RootDefaultSort(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("WHERE owner_id = \\$1 AND parent_id IS NULL ORDER BY \\(kind = 'folder'\\) DESC, created_at ASC, id$").
		WithArgs("owner-1").
		WillReturnRows(fileRow(sqlmock.NewRows(fileCols), "d1", "A", "/A", "folder", nil, 0))

	files, err := repo.List(context.Background(), models.FileFilter{OwnerID: "owner-1", Sort: "bogus; DROP TABLE files"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("len = %d, want 1", len(files))
	}
}

func TestFileList_FolderSortedBySizeDesc(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("AND parent_id = \\$2 ORDER BY .* size_bytes DESC, id LIMIT \\$3").
		WithArgs("owner-1", "d1", 50).
		WillReturnRows(sqlmock.NewRows(fileCols))

	_, err := repo.List(context.Background(), models.FileFilter{
		OwnerID: "owner-1", ParentID: strPtr("d1"), Sort: "size", Desc: true, Limit: 50,
	})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
}

func TestFileList_Tabs(t *testing.T) {
	repo, mock := newFileRepo(t)
	since := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectQuery("AND is_starred ORDER BY").WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows(fileCols))
	mock.ExpectQuery("AND kind <> 'folder' AND created_at >= \\$2").WithArgs("owner-1", since).
		WillReturnRows(sqlmock.NewRows(fileCols))

	if _, err := repo.List(context.Background(), models.FileFilter{OwnerID: "owner-1", Tab: "starred"}); err != nil {
		t.Fatalf("starred: %v", err)
	}
	if _, err := repo.List(context.Background(), models.FileFilter{OwnerID: "owner-1", Tab: "recent", Since: since}); err != nil {
		t.Fatalf("recent: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tree operations
// ---------------------------------------------------------------------------

func TestFileLockSubtree(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("WITH RECURSIVE subtree .* SELECT id FROM files WHERE id IN \\(SELECT id FROM subtree\\) FOR UPDATE").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("d1").AddRow("d2").AddRow("f1"))

	n, err := repo.LockSubtree(context.Background(), "d1")
	if err != nil {
		t.Fatalf("LockSubtree() error: %v", err)
	}
	if n != 3 {
		t.Errorf("LockSubtree() = %d, want 3", n)
	}
}

func TestFileRewriteDescendantPaths(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("WITH RECURSIVE descendants .* SET path = \\$3 \\|\\| substr\\(path, char_length\\(\\$2\\) \\+ 1\\)").
		WithArgs("d1", "/A", "/C/A").
		WillReturnResult(sqlmockResult(2))

	n, err := repo.RewriteDescendantPaths(context.Background(), "d1", "/A", "/C/A")
	if err != nil {
		t.Fatalf("RewriteDescendantPaths() error: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestFileRelocateAndRename(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("UPDATE files SET parent_id = \\$2, path = \\$3").
		WithArgs("f1", strPtr("d1"), "/C/f").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("UPDATE files SET name = \\$2, path = \\$3").
		WithArgs("f1", "g", "/C/g").
		WillReturnResult(sqlmockResult(1))

	if err := repo.Relocate(context.Background(), "f1", strPtr("d1"), "/C/f"); err != nil {
		t.Fatalf("Relocate() error: %v", err)
	}
	if err := repo.UpdateName(context.Background(), "f1", "g", "/C/g"); err != nil {
		t.Fatalf("UpdateName() error: %v", err)
	}
}

func TestFileDeleteSubtree_ReturnsRemovedRows(t *testing.T) {
	repo, mock := newFileRepo(t)
	rows := sqlmock.NewRows(fileCols)
	fileRow(rows, "d1", "A", "/A", "folder", nil, 0)
	fileRow(rows, "d2", "B", "/A/B", "folder", "d1", 0)
	fileRow(rows, "f1", "file.txt", "/A/B/file.txt", "code", "d2", 1500)
	mock.ExpectQuery("WITH RECURSIVE subtree .* DELETE FROM files .* RETURNING id, name, size_bytes").
		WithArgs("d1").WillReturnRows(rows)

	removed, err := repo.DeleteSubtree(context.Background(), "d1")
	if err != nil {
		t.Fatalf("DeleteSubtree() error: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("len = %d, want 3", len(removed))
	}
	if removed[2].SizeBytes != 1500 || removed[2].StorageKey == "" {
		t.Errorf("removed[2] = %+v", removed[2])
	}
}

func TestFileSetStarred_Missing(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("UPDATE files SET is_starred").WithArgs("nope", true).
		WillReturnResult(sqlmockResult(0))

	ok, err := repo.SetStarred(context.Background(), "nope", true)
	if err != nil {
		t.Fatalf("SetStarred() error: %v", err)
	}
	if ok {
		t.Error("SetStarred() = true for missing row")
	}
}

func TestFileMarkTakenDown(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("name = '\\[removed\\] ' \\|\\| name").WithArgs("f1", models.FileStatusTakenDown).
		WillReturnResult(sqlmockResult(1))

	if err := repo.MarkTakenDown(context.Background(), "f1"); err != nil {
		t.Fatalf("MarkTakenDown() error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Backend accounting
// ---------------------------------------------------------------------------

func TestFileSumBytesByBackend(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("WHERE storage_backend_id = \\$1$").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
	mock.ExpectQuery("WHERE storage_backend_id = \\$1 OR storage_backend_id IS NULL").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(250)))

	got, err := repo.SumBytesByBackend(context.Background(), "b1", false)
	if err != nil || got != 100 {
		t.Errorf("SumBytesByBackend(explicit) = %d, %v", got, err)
	}
	got, err = repo.SumBytesByBackend(context.Background(), "b1", true)
	if err != nil || got != 250 {
		t.Errorf("SumBytesByBackend(default) = %d, %v", got, err)
	}
}

func TestFileCountByBackend(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM files WHERE storage_backend_id").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := repo.CountByBackend(context.Background(), "b1")
	if err != nil || n != 4 {
		t.Errorf("CountByBackend() = %d, %v", n, err)
	}
}

func TestFileIncrementDownloadCount(t *testing.T) {
	repo, mock := newFileRepo(t)
	mock.ExpectExec("SET download_count = download_count \\+ 1").WithArgs("f1").
		WillReturnResult(sqlmockResult(1))

	if err := repo.IncrementDownloadCount(context.Background(), "f1"); err != nil {
		t.Fatalf("IncrementDownloadCount() error: %v", err)
	}
}
