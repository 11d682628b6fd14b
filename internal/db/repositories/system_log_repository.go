// system_log_repository.go implements SystemLogRepository for the admin audit trail.
package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
)

// SystemLogRepository handles system log database operations
type SystemLogRepository struct {
	q sqlx.ExtContext
}

// NewSystemLogRepository creates a new SystemLogRepository
func NewSystemLogRepository(db sqlx.ExtContext) *SystemLogRepository {
	return &SystemLogRepository{q: db}
}

// Create inserts a log entry and fills its id and timestamp.
func (r *SystemLogRepository) Create(ctx context.Context, l *models.SystemLog) error {
	query := `
		INSERT INTO system_logs (action, user_id, status, details, ip_address, file_id, file_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return r.q.QueryRowxContext(ctx, query,
		l.Action, l.UserID, l.Status, l.Details, l.IPAddress, l.FileID, l.FileName,
	).Scan(&l.ID, &l.CreatedAt)
}

// List returns one page of entries, newest first, with the total count.
func (r *SystemLogRepository) List(ctx context.Context, limit, offset int) ([]*models.SystemLog, int, error) {
	var total int
	if err := sqlx.GetContext(ctx, r.q, &total, `SELECT COUNT(*) FROM system_logs`); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, action, user_id, status, details, ip_address, file_id, file_name, created_at
		FROM system_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	var logs []*models.SystemLog
	if err := sqlx.SelectContext(ctx, r.q, &logs, query, limit, offset); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
