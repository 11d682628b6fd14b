package repositories

import (
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var errDB = errors.New("db error")

// errBadUUID is what Postgres returns when "abc" is bound to a uuid column.
var errBadUUID = &pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}

func strPtr(s string) *string { return &s }

func sqlmockResult(rows int64) driver.Result { return sqlmock.NewResult(0, rows) }

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
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
	return sqlx.NewDb(db, "sqlmock"), mock
}

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var fileCols = []string{
	"id", "name", "size_bytes", "mime_type", "storage_key", "storage_backend_id", "owner_id",
	"parent_id", "path", "kind", "is_starred", "download_count", "status", "checksum",
	"created_at", "updated_at",
}

func fileRow(rows *sqlmock.Rows, id, name, path, kind string, parentID interface{}, size int64) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, name, size, "text/plain", "owner-1/1_"+name, nil, "owner-1",
		parentID, path, kind, false, int64(0), "active", "", now, now)
}

var userCols = []string{
	"id", "email", "name", "role", "group_id", "storage_quota_gb", "storage_used_gb",
	"default_backend_id", "created_at", "updated_at",
}

var backendCols = []string{
	"id", "name", "type", "config", "enabled", "is_default", "is_system", "owner_id",
	"description", "created_at", "updated_at",
}
