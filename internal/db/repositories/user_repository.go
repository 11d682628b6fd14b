// user_repository.go implements UserRepository. The quota counters are only ever
// changed by single-statement arithmetic updates so concurrent uploads from the same
// user cannot lose an update.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
)

const userColumns = `id, email, name, role, group_id, storage_quota_gb, storage_used_gb,
	default_backend_id, created_at, updated_at`

// UserRepository handles user database operations
type UserRepository struct {
	q sqlx.ExtContext
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db sqlx.ExtContext) *UserRepository {
	return &UserRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *UserRepository) WithTx(tx *sqlx.Tx) *UserRepository {
	return &UserRepository{q: tx}
}

// CreateUser creates a new user
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.q.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.Role, user.GroupID,
		user.StorageQuotaGB, user.StorageUsedGB, user.DefaultBackendID,
		user.CreatedAt, user.UpdatedAt,
	)
	return err
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// GetUserByEmail retrieves a user by email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserRepository) get(ctx context.Context, query string, args ...interface{}) (*models.User, error) {
	var u models.User
	err := sqlx.GetContext(ctx, r.q, &u, query, args...)
	if noRow(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ReserveQuota adds deltaGB to the user's usage if the result stays within the
// quota (a quota of 0 or less is unlimited). Returns false when the user is absent
// or the reservation would exceed the quota; nothing is changed in that case.
func (r *UserRepository) ReserveQuota(ctx context.Context, userID string, deltaGB float64) (bool, error) {
	query := `
		UPDATE users
		SET storage_used_gb = storage_used_gb + $2, updated_at = now()
		WHERE id = $1 AND (storage_quota_gb <= 0 OR storage_used_gb + $2 <= storage_quota_gb)`

	res, err := r.q.ExecContext(ctx, query, userID, deltaGB)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseQuota subtracts deltaGB from the user's usage, flooring at zero.
func (r *UserRepository) ReleaseQuota(ctx context.Context, userID string, deltaGB float64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE users SET storage_used_gb = GREATEST(storage_used_gb - $2, 0), updated_at = now() WHERE id = $1`,
		userID, deltaGB)
	return err
}

// SetQuota sets the user's quota. Returns false when the user is absent.
func (r *UserRepository) SetQuota(ctx context.Context, userID string, quotaGB float64) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET storage_quota_gb = $2, updated_at = now() WHERE id = $1`, userID, quotaGB)
	if IsInvalidID(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetDefaultBackend sets or clears (nil) the user's preferred backend.
func (r *UserRepository) SetDefaultBackend(ctx context.Context, userID string, backendID *string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE users SET default_backend_id = $2, updated_at = now() WHERE id = $1`, userID, backendID)
	return err
}
