// file_repository.go implements FileRepository: the file/folder tree, including the
// bulk path rewrite used by move and rename and the cascading tree delete.
package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/storage"
)

const fileColumns = `id, name, size_bytes, mime_type, storage_key, storage_backend_id, owner_id,
	parent_id, path, kind, is_starred, download_count, status, checksum, created_at, updated_at`

// subtreeCTE selects the id of $1 and every descendant by following parent_id.
const subtreeCTE = `
	WITH RECURSIVE subtree AS (
		SELECT id FROM files WHERE id = $1
		UNION ALL
		SELECT f.id FROM files f JOIN subtree s ON f.parent_id = s.id
	)`

// sortColumns whitelists the listing sort keys.
var sortColumns = map[string]string{
	"name":       "name",
	"size":       "size_bytes",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// FileRepository handles file and folder database operations
type FileRepository struct {
	q sqlx.ExtContext
}

// NewFileRepository creates a new FileRepository
func NewFileRepository(db sqlx.ExtContext) *FileRepository {
	return &FileRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *FileRepository) WithTx(tx *sqlx.Tx) *FileRepository {
	return &FileRepository{q: tx}
}

// Create inserts f, assigning an id and timestamps when unset.
func (r *FileRepository) Create(ctx context.Context, f *models.File) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = models.FileStatusActive
	}

	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.q.ExecContext(ctx, query,
		f.ID, f.Name, f.SizeBytes, f.MimeType, f.StorageKey, f.StorageBackendID, f.OwnerID,
		f.ParentID, f.Path, f.Kind, f.IsStarred, f.DownloadCount, f.Status, f.Checksum,
		f.CreatedAt, f.UpdatedAt,
	)
	return err
}

// GetByID retrieves a file by id. Returns nil, nil when absent.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
}

// GetForUpdate retrieves a file and locks its row until the transaction ends.
func (r *FileRepository) GetForUpdate(ctx context.Context, id string) (*models.File, error) {
	return r.get(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1 FOR UPDATE`, id)
}

func (r *FileRepository) get(ctx context.Context, query string, args ...interface{}) (*models.File, error) {
	var f models.File
	err := sqlx.GetContext(ctx, r.q, &f, query, args...)
	if noRow(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// List returns the rows selected by filter.
func (r *FileRepository) List(ctx context.Context, filter models.FileFilter) ([]*models.File, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + fileColumns + ` FROM files WHERE owner_id = $1`)
	args := []interface{}{filter.OwnerID}

	switch filter.Tab {
	case "starred":
		b.WriteString(` AND is_starred`)
	case "recent":
		args = append(args, filter.Since)
		fmt.Fprintf(&b, ` AND kind <> '%s' AND created_at >= $%d`, storage.KindFolder, len(args))
	default:
		if filter.ParentID == nil {
			b.WriteString(` AND parent_id IS NULL`)
		} else {
			args = append(args, *filter.ParentID)
			fmt.Fprintf(&b, ` AND parent_id = $%d`, len(args))
		}
	}

	col, ok := sortColumns[filter.Sort]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if filter.Desc {
		dir = "DESC"
	}
	// folders first, then the requested order
	fmt.Fprintf(&b, ` ORDER BY (kind = '%s') DESC, %s %s, id`, storage.KindFolder, col, dir)

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	var files []*models.File
	if err := sqlx.SelectContext(ctx, r.q, &files, b.String(), args...); err != nil {
		return nil, err
	}
	return files, nil
}

// LockSubtree row-locks the record and all of its descendants until the transaction
// ends, so no child can be inserted below any of them meanwhile. Returns the number
// of locked rows.
func (r *FileRepository) LockSubtree(ctx context.Context, id string) (int, error) {
	query := subtreeCTE + `
		SELECT id FROM files WHERE id IN (SELECT id FROM subtree) FOR UPDATE`

	var ids []string
	if err := sqlx.SelectContext(ctx, r.q, &ids, query, id); err != nil {
		if IsInvalidID(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(ids), nil
}

// UpdateName sets the name and path of a single record.
func (r *FileRepository) UpdateName(ctx context.Context, id, name, path string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE files SET name = $2, path = $3, updated_at = now() WHERE id = $1`,
		id, name, path)
	return err
}

// Relocate sets the parent and path of a single record.
func (r *FileRepository) Relocate(ctx context.Context, id string, parentID *string, path string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE files SET parent_id = $2, path = $3, updated_at = now() WHERE id = $1`,
		id, parentID, path)
	return err
}

// RewriteDescendantPaths replaces the oldPath prefix with newPath on every
// descendant of folderID in one statement, preserving each relative suffix.
func (r *FileRepository) RewriteDescendantPaths(ctx context.Context, folderID, oldPath, newPath string) (int64, error) {
	query := `
		WITH RECURSIVE descendants AS (
			SELECT id FROM files WHERE parent_id = $1
			UNION ALL
			SELECT f.id FROM files f JOIN descendants d ON f.parent_id = d.id
		)
		UPDATE files
		SET path = $3 || substr(path, char_length($2) + 1), updated_at = now()
		WHERE id IN (SELECT id FROM descendants)`

	res, err := r.q.ExecContext(ctx, query, folderID, oldPath, newPath)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetStarred updates the starred flag. Returns false when the record is absent.
func (r *FileRepository) SetStarred(ctx context.Context, id string, starred bool) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE files SET is_starred = $2, updated_at = now() WHERE id = $1`, id, starred)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementDownloadCount atomically bumps download_count.
func (r *FileRepository) IncrementDownloadCount(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE files SET download_count = download_count + 1 WHERE id = $1`, id)
	return err
}

// DeleteSubtree removes the record and all descendants and returns the removed rows.
func (r *FileRepository) DeleteSubtree(ctx context.Context, id string) ([]*models.File, error) {
	query := subtreeCTE + `
	DELETE FROM files WHERE id IN (SELECT id FROM subtree) RETURNING ` + fileColumns

	var removed []*models.File
	if err := sqlx.SelectContext(ctx, r.q, &removed, query, id); err != nil {
		return nil, err
	}
	return removed, nil
}

// MarkTakenDown replaces the record's content with a zero-byte placeholder, keeping
// the row. The name gains a "[removed] " prefix and the path follows it.
func (r *FileRepository) MarkTakenDown(ctx context.Context, id string) error {
	query := `
		UPDATE files SET
			path = left(path, char_length(path) - char_length(name)) || '[removed] ' || name,
			name = '[removed] ' || name,
			size_bytes = 0,
			status = $2,
			updated_at = now()
		WHERE id = $1`

	_, err := r.q.ExecContext(ctx, query, id, models.FileStatusTakenDown)
	return err
}

// CountByBackend returns how many records reference backendID.
func (r *FileRepository) CountByBackend(ctx context.Context, backendID string) (int64, error) {
	var n int64
	err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM files WHERE storage_backend_id = $1`, backendID)
	return n, err
}

// SumBytesByBackend totals size_bytes stored on backendID. When includeUnassigned is
// set, records without an explicit backend are counted too; that applies to the
// built-in system backend.
func (r *FileRepository) SumBytesByBackend(ctx context.Context, backendID string, includeUnassigned bool) (int64, error) {
	query := `SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE storage_backend_id = $1`
	if includeUnassigned {
		query += ` OR storage_backend_id IS NULL`
	}
	var total int64
	err := sqlx.GetContext(ctx, r.q, &total, query, backendID)
	return total, err
}
