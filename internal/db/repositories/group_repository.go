// group_repository.go implements GroupRepository: user groups, their storage
// allocations, and the usage report behind the advisory group quota.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
)

// groupUsageQuery reports, per allocation of group $1, the bytes stored by the
// group's members on that backend. Unassigned records count toward the system backend.
const groupUsageQuery = `
	SELECT a.storage_backend_id, b.name AS backend_name, a.quota_gb,
		COALESCE((
			SELECT SUM(f.size_bytes)
			FROM files f JOIN users u ON u.id = f.owner_id
			WHERE u.group_id = a.group_id
				AND (f.storage_backend_id = a.storage_backend_id
					OR (b.is_system AND f.storage_backend_id IS NULL))
		), 0) AS used_bytes
	FROM group_storage_allocations a
	JOIN storage_backends b ON b.id = a.storage_backend_id
	WHERE a.group_id = $1`

// GroupRepository handles group and allocation database operations
type GroupRepository struct {
	q sqlx.ExtContext
}

// NewGroupRepository creates a new GroupRepository
func NewGroupRepository(db sqlx.ExtContext) *GroupRepository {
	return &GroupRepository{q: db}
}

// GetByID retrieves a group. Returns nil, nil when absent.
func (r *GroupRepository) GetByID(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	err := sqlx.GetContext(ctx, r.q, &g, `SELECT id, name, description, created_at FROM user_groups WHERE id = $1`, id)
	if noRow(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListAllocations lists the allocations of one group.
func (r *GroupRepository) ListAllocations(ctx context.Context, groupID string) ([]*models.GroupStorageAllocation, error) {
	query := `
		SELECT id, group_id, storage_backend_id, quota_gb, created_at, updated_at
		FROM group_storage_allocations
		WHERE group_id = $1
		ORDER BY created_at`

	var out []*models.GroupStorageAllocation
	if err := sqlx.SelectContext(ctx, r.q, &out, query, groupID); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertAllocation creates or replaces the allocation for (group, backend).
func (r *GroupRepository) UpsertAllocation(ctx context.Context, a *models.GroupStorageAllocation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now()
	query := `
		INSERT INTO group_storage_allocations (id, group_id, storage_backend_id, quota_gb, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (group_id, storage_backend_id)
		DO UPDATE SET quota_gb = EXCLUDED.quota_gb, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	return r.q.QueryRowxContext(ctx, query, a.ID, a.GroupID, a.StorageBackendID, a.QuotaGB, now).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

// DeleteAllocation removes an allocation. Returns false when it did not exist.
func (r *GroupRepository) DeleteAllocation(ctx context.Context, id string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM group_storage_allocations WHERE id = $1`, id)
	if IsInvalidID(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EnsureBaselineAllocations gives every group that has no allocation at all one on
// backendID. Idempotent: groups that already have an allocation are untouched.
func (r *GroupRepository) EnsureBaselineAllocations(ctx context.Context, backendID string, quotaGB float64) (int64, error) {
	query := `
		INSERT INTO group_storage_allocations (id, group_id, storage_backend_id, quota_gb)
		SELECT gen_random_uuid(), g.id, $1, $2
		FROM user_groups g
		WHERE NOT EXISTS (SELECT 1 FROM group_storage_allocations a WHERE a.group_id = g.id)
		ON CONFLICT (group_id, storage_backend_id) DO NOTHING`

	res, err := r.q.ExecContext(ctx, query, backendID, quotaGB)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Usage reports the group's consumption on every backend it has an allocation for.
func (r *GroupRepository) Usage(ctx context.Context, groupID string) ([]*models.GroupBackendUsage, error) {
	var out []*models.GroupBackendUsage
	if err := sqlx.SelectContext(ctx, r.q, &out, groupUsageQuery+` ORDER BY b.name`, groupID); err != nil {
		return nil, err
	}
	for _, u := range out {
		u.Evaluate()
	}
	return out, nil
}

// UsageOnBackend reports the group's consumption on one backend. Returns nil, nil
// when the group has no allocation there.
func (r *GroupRepository) UsageOnBackend(ctx context.Context, groupID, backendID string) (*models.GroupBackendUsage, error) {
	var u models.GroupBackendUsage
	err := sqlx.GetContext(ctx, r.q, &u, groupUsageQuery+` AND a.storage_backend_id = $2`, groupID, backendID)
	if noRow(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Evaluate()
	return &u, nil
}
