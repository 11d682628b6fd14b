// backend_repository.go implements BackendRepository, the catalog of configured
// storage backends.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
)

const backendColumns = `id, name, type, config, enabled, is_default, is_system, owner_id,
	description, created_at, updated_at`

// BackendRepository handles storage backend database operations
type BackendRepository struct {
	q sqlx.ExtContext
}

// NewBackendRepository creates a new BackendRepository
func NewBackendRepository(db sqlx.ExtContext) *BackendRepository {
	return &BackendRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *BackendRepository) WithTx(tx *sqlx.Tx) *BackendRepository {
	return &BackendRepository{q: tx}
}

// Create inserts b, assigning an id and timestamps.
func (r *BackendRepository) Create(ctx context.Context, b *models.StorageBackend) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt

	query := `
		INSERT INTO storage_backends (` + backendColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.q.ExecContext(ctx, query,
		b.ID, b.Name, b.Type, b.Config, b.Enabled, b.IsDefault, b.IsSystem, b.OwnerID,
		b.Description, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// EnsureSystemBackend inserts the built-in native backend row if it is missing. The
// row becomes the global default only when no default exists yet. Safe to run from
// several processes at once. Returns true when this call inserted the row.
func (r *BackendRepository) EnsureSystemBackend(ctx context.Context, id, name string) (bool, error) {
	query := `
		INSERT INTO storage_backends (id, name, type, config, enabled, is_default, is_system, description)
		SELECT $1, $2, 'native-object', '{}'::jsonb, true,
			NOT EXISTS (SELECT 1 FROM storage_backends WHERE is_default), true, 'Built-in object store'
		ON CONFLICT DO NOTHING`

	res, err := r.q.ExecContext(ctx, query, id, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetByID retrieves a backend by id. Returns nil, nil when absent.
func (r *BackendRepository) GetByID(ctx context.Context, id string) (*models.StorageBackend, error) {
	return r.get(ctx, `SELECT `+backendColumns+` FROM storage_backends WHERE id = $1`, id)
}

// GetDefault returns the enabled global default backend, or nil.
func (r *BackendRepository) GetDefault(ctx context.Context) (*models.StorageBackend, error) {
	return r.get(ctx, `SELECT `+backendColumns+` FROM storage_backends WHERE is_default AND enabled LIMIT 1`)
}

// GetSystem returns the built-in native backend row, or nil.
func (r *BackendRepository) GetSystem(ctx context.Context) (*models.StorageBackend, error) {
	return r.get(ctx, `SELECT `+backendColumns+` FROM storage_backends WHERE is_system ORDER BY created_at LIMIT 1`)
}

func (r *BackendRepository) get(ctx context.Context, query string, args ...interface{}) (*models.StorageBackend, error) {
	var b models.StorageBackend
	err := sqlx.GetContext(ctx, r.q, &b, query, args...)
	if noRow(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListWithUsage lists global backends with file counts and used bytes. Records
// without an explicit backend are attributed to the built-in system backend.
func (r *BackendRepository) ListWithUsage(ctx context.Context) ([]*models.StorageBackendWithUsage, error) {
	query := `
		SELECT b.id, b.name, b.type, b.config, b.enabled, b.is_default, b.is_system, b.owner_id,
			b.description, b.created_at, b.updated_at,
			COUNT(f.id) AS file_count, COALESCE(SUM(f.size_bytes), 0) AS used_bytes
		FROM storage_backends b
		LEFT JOIN files f ON f.storage_backend_id = b.id OR (b.is_system AND f.storage_backend_id IS NULL)
		WHERE b.owner_id IS NULL
		GROUP BY b.id
		ORDER BY b.is_default DESC, b.name`

	var out []*models.StorageBackendWithUsage
	if err := sqlx.SelectContext(ctx, r.q, &out, query); err != nil {
		return nil, err
	}
	return out, nil
}

// ListForUser lists the enabled global backends plus the user's own backends.
func (r *BackendRepository) ListForUser(ctx context.Context, userID string) ([]*models.StorageBackend, error) {
	query := `SELECT ` + backendColumns + ` FROM storage_backends
		WHERE (owner_id IS NULL AND enabled) OR owner_id = $1
		ORDER BY owner_id NULLS FIRST, name`

	var out []*models.StorageBackend
	if err := sqlx.SelectContext(ctx, r.q, &out, query, userID); err != nil {
		return nil, err
	}
	return out, nil
}

// Update writes the mutable columns of b.
func (r *BackendRepository) Update(ctx context.Context, b *models.StorageBackend) error {
	b.UpdatedAt = time.Now()
	query := `
		UPDATE storage_backends SET
			name = $2, config = $3, enabled = $4, description = $5, updated_at = $6
		WHERE id = $1`

	_, err := r.q.ExecContext(ctx, query, b.ID, b.Name, b.Config, b.Enabled, b.Description, b.UpdatedAt)
	return err
}

// SetDefault makes id the only global default. Call inside a transaction.
func (r *BackendRepository) SetDefault(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx,
		`UPDATE storage_backends SET is_default = false, updated_at = now() WHERE is_default AND id <> $1`, id); err != nil {
		return err
	}
	_, err := r.q.ExecContext(ctx,
		`UPDATE storage_backends SET is_default = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// ClearDefault unsets the global default flag on id. Uploads without an explicit or
// per-user backend then fall through to the built-in store.
func (r *BackendRepository) ClearDefault(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE storage_backends SET is_default = false, updated_at = now() WHERE id = $1 AND is_default`, id)
	return err
}

// Delete removes the backend row.
func (r *BackendRepository) Delete(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM storage_backends WHERE id = $1`, id)
	return err
}
