package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/storage"
)

// pgForeignKeyViolation is raised when a backend still referenced by files is deleted.
const pgForeignKeyViolation = "23503"

// Scope identifies who is managing backends. Admins manage global backends; other
// users only their own private ones.
type Scope struct {
	UserID string
	Admin  bool
	IP     string
}

func (s Scope) canManage(b *models.StorageBackend) bool {
	if s.Admin {
		return true
	}
	return b.OwnedBy(s.UserID)
}

// BackendInput is the writable part of a backend.
type BackendInput struct {
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Config      storage.BackendConfig `json:"config"`
	Enabled     *bool                 `json:"enabled"`
	IsDefault   bool                  `json:"is_default"`
	Description string                `json:"description"`
}

// BackendUpdate changes selected fields of a backend. Secrets sent back as the
// mask keep their stored value.
type BackendUpdate struct {
	Name        *string                `json:"name"`
	Config      *storage.BackendConfig `json:"config"`
	Enabled     *bool                  `json:"enabled"`
	IsDefault   *bool                  `json:"is_default"`
	Description *string                `json:"description"`
}

// Catalog manages storage backend rows: creation with sealed credentials, updates
// that invalidate cached adapters, and deletion guarded by file references.
type Catalog struct {
	db       *sqlx.DB
	backends *repositories.BackendRepository
	files    *repositories.FileRepository
	users    *repositories.UserRepository
	logs     *repositories.SystemLogRepository
	registry *Registry
}

// NewCatalog creates a Catalog that seals secrets and invalidates through reg.
func NewCatalog(db *sqlx.DB, reg *Registry) *Catalog {
	return &Catalog{
		db:       db,
		backends: repositories.NewBackendRepository(db),
		files:    repositories.NewFileRepository(db),
		users:    repositories.NewUserRepository(db),
		logs:     repositories.NewSystemLogRepository(db),
		registry: reg,
	}
}

// ListWithUsage returns every backend with file counts and bytes, secrets masked.
func (c *Catalog) ListWithUsage(ctx context.Context) ([]*models.StorageBackendWithUsage, error) {
	list, err := c.backends.ListWithUsage(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		b.Config = b.Config.Masked()
	}
	return list, nil
}

// ListForUser returns the global enabled backends plus the user's own, secrets masked.
func (c *Catalog) ListForUser(ctx context.Context, userID string) ([]*models.StorageBackend, error) {
	list, err := c.backends.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		b.Config = b.Config.Masked()
	}
	return list, nil
}

// Create validates and stores a new backend. Non-admin scopes create private
// backends that cannot become the global default.
func (c *Catalog) Create(ctx context.Context, scope Scope, in BackendInput) (*models.StorageBackend, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: backend name is required", apperrors.ErrInvalidArgument)
	}
	if !storage.ValidType(in.Type) {
		return nil, fmt.Errorf("%w: unknown backend type %q", apperrors.ErrInvalidArgument, in.Type)
	}
	if in.Type == storage.TypeNativeObject {
		return nil, fmt.Errorf("%w: the native object backend is managed by the server", apperrors.ErrInvalidArgument)
	}
	if err := in.Config.Validate(in.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}

	b := &models.StorageBackend{
		Name:        name,
		Type:        in.Type,
		Config:      in.Config,
		Enabled:     in.Enabled == nil || *in.Enabled,
		Description: in.Description,
	}
	if !scope.Admin {
		owner := scope.UserID
		b.OwnerID = &owner
		in.IsDefault = false
	}
	if err := c.registry.SealSecrets(&b.Config); err != nil {
		return nil, err
	}

	err := repositories.InTx(ctx, c.db, func(tx *sqlx.Tx) error {
		repo := c.backends.WithTx(tx)
		if err := repo.Create(ctx, b); err != nil {
			return err
		}
		if in.IsDefault {
			if err := repo.SetDefault(ctx, b.ID); err != nil {
				return err
			}
			b.IsDefault = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("storage backend created", "backend_id", b.ID, "type", b.Type, "private", b.OwnerID != nil)
	c.audit(ctx, scope, models.ActionBackendCreate, fmt.Sprintf("%s (%s) %s", b.Name, b.Type, b.ID))
	b.Config = b.Config.Masked()
	return b, nil
}

// Update applies upd to the backend and drops any cached adapter built from the
// old configuration.
func (c *Catalog) Update(ctx context.Context, scope Scope, id string, upd BackendUpdate) (*models.StorageBackend, error) {
	b, err := c.manageable(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: backend name is required", apperrors.ErrInvalidArgument)
		}
		b.Name = name
	}
	if upd.Description != nil {
		b.Description = *upd.Description
	}
	if upd.Enabled != nil {
		b.Enabled = *upd.Enabled
	}
	if upd.Config != nil {
		merged := *upd.Config
		if b.Type == storage.TypeNativeObject {
			// only the quota is editable; the driver comes from server config
			merged = b.Config
			merged.QuotaGB = upd.Config.QuotaGB
		} else {
			current := b.Config.Secrets()
			for i, p := range merged.Secrets() {
				if storage.IsMasked(*p) {
					*p = *current[i]
				}
			}
		}
		if err := merged.Validate(b.Type); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
		}
		if err := c.registry.SealSecrets(&merged); err != nil {
			return nil, err
		}
		b.Config = merged
	}
	makeDefault := upd.IsDefault != nil && *upd.IsDefault && !b.IsDefault
	clearDefault := upd.IsDefault != nil && !*upd.IsDefault && b.IsDefault
	if makeDefault && b.OwnerID != nil {
		return nil, fmt.Errorf("%w: a private backend cannot be the global default", apperrors.ErrInvalidArgument)
	}

	err = repositories.InTx(ctx, c.db, func(tx *sqlx.Tx) error {
		repo := c.backends.WithTx(tx)
		if err := repo.Update(ctx, b); err != nil {
			return err
		}
		if makeDefault {
			if err := repo.SetDefault(ctx, b.ID); err != nil {
				return err
			}
			b.IsDefault = true
		}
		if clearDefault {
			if err := repo.ClearDefault(ctx, b.ID); err != nil {
				return err
			}
			b.IsDefault = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.registry.Invalidate(b.ID)

	c.audit(ctx, scope, models.ActionBackendUpdate, fmt.Sprintf("%s %s", b.Name, b.ID))
	b.Config = b.Config.Masked()
	return b, nil
}

// Delete removes a backend that no file references. The built-in system backend
// cannot be deleted.
func (c *Catalog) Delete(ctx context.Context, scope Scope, id string) error {
	b, err := c.manageable(ctx, scope, id)
	if err != nil {
		return err
	}
	if b.IsSystem {
		return fmt.Errorf("%w: the built-in backend cannot be deleted", apperrors.ErrInvalidArgument)
	}

	err = repositories.InTx(ctx, c.db, func(tx *sqlx.Tx) error {
		n, err := c.files.WithTx(tx).CountByBackend(ctx, b.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d files are stored on %s", apperrors.ErrBackendInUse, n, b.Name)
		}
		return c.backends.WithTx(tx).Delete(ctx, b.ID)
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
		// a file landed on the backend after the count
		return fmt.Errorf("%w: %s", apperrors.ErrBackendInUse, b.Name)
	}
	if err != nil {
		return err
	}
	c.registry.Invalidate(b.ID)

	slog.Info("storage backend deleted", "backend_id", b.ID)
	c.audit(ctx, scope, models.ActionBackendDelete, fmt.Sprintf("%s %s", b.Name, b.ID))
	return nil
}

// SetUserDefault records backendID as the user's preferred upload target. Nil
// clears the preference.
func (c *Catalog) SetUserDefault(ctx context.Context, userID string, backendID *string) error {
	if backendID != nil {
		b, err := c.backends.GetByID(ctx, *backendID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("%w: backend %s", apperrors.ErrNotFound, *backendID)
		}
		if !b.UsableBy(userID) {
			return fmt.Errorf("%w: backend %s", apperrors.ErrPermissionDenied, *backendID)
		}
		if !b.Enabled {
			return fmt.Errorf("%w: %s", apperrors.ErrBackendDisabled, b.Name)
		}
	}
	return c.users.SetDefaultBackend(ctx, userID, backendID)
}

// Test probes a configuration before it is saved. Masked secrets are resolved
// against the stored backend named by existingID, when given.
func (c *Catalog) Test(ctx context.Context, backendType string, cfg storage.BackendConfig, existingID string) error {
	if !storage.ValidType(backendType) {
		return fmt.Errorf("%w: unknown backend type %q", apperrors.ErrInvalidArgument, backendType)
	}
	if existingID != "" {
		b, err := c.backends.GetByID(ctx, existingID)
		if err != nil {
			return err
		}
		if b != nil {
			current := b.Config.Secrets()
			for i, p := range cfg.Secrets() {
				if storage.IsMasked(*p) {
					*p = *current[i]
				}
			}
		}
	}
	if err := cfg.Validate(backendType); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	return c.registry.Probe(ctx, backendType, cfg)
}

func (c *Catalog) manageable(ctx context.Context, scope Scope, id string) (*models.StorageBackend, error) {
	b, err := c.backends.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: backend %s", apperrors.ErrNotFound, id)
	}
	if !scope.canManage(b) {
		// other users' private backends are invisible
		if b.OwnerID != nil {
			return nil, fmt.Errorf("%w: backend %s", apperrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: backend %s", apperrors.ErrPermissionDenied, id)
	}
	return b, nil
}

func (c *Catalog) audit(ctx context.Context, scope Scope, action, details string) {
	uid := scope.UserID
	entry := &models.SystemLog{
		Action:    action,
		UserID:    &uid,
		Status:    models.LogStatusSuccess,
		Details:   details,
		IPAddress: scope.IP,
	}
	if err := c.logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("failed to write system log", "action", action, "error", err)
	}
}
