// Package files implements the file hierarchy manager: uploads and downloads through
// the resolved storage adapter, and the materialized-path tree of files and folders.
//
// Every record's path equals its parent's path plus "/" and its name. Moves and
// folder renames keep that true for descendants with one bulk prefix rewrite inside
// the same transaction as the record update.
package files

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/registry"
)

const (
	maxNameLength    = 255
	defaultListLimit = 200
	maxListLimit     = 1000
	recentWindow     = 7 * 24 * time.Hour
)

// Resolver picks the adapter for new uploads and for existing files.
type Resolver interface {
	Resolve(ctx context.Context, userID, requestedID string) (*registry.Resolved, error)
	ForFile(ctx context.Context, f *models.File) (*registry.Resolved, error)
}

// QuotaEnforcer checks and commits quota usage.
type QuotaEnforcer interface {
	CheckBackend(ctx context.Context, b *models.StorageBackend, incoming int64) error
	Reserve(ctx context.Context, userID string, bytes int64) error
	Release(ctx context.Context, userID string, bytes int64) error
	ReportGroup(ctx context.Context, groupID *string, backendID string) (*models.GroupBackendUsage, error)
}

// Actor is the authenticated principal performing an operation.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

// IsAdmin reports whether the actor may act on any record.
func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin
}

// Config holds the settings the manager needs from the application config.
type Config struct {
	// BaseURL is the public API origin, used for download links when a backend
	// cannot presign.
	BaseURL    string
	PresignTTL time.Duration
}

// Manager implements the file operations.
type Manager struct {
	db       *sqlx.DB
	files    *repositories.FileRepository
	users    *repositories.UserRepository
	logs     *repositories.SystemLogRepository
	resolver Resolver
	quota    QuotaEnforcer
	cfg      Config
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(db *sqlx.DB, resolver Resolver, quota QuotaEnforcer, cfg Config) *Manager {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Manager{
		db:       db,
		files:    repositories.NewFileRepository(db),
		users:    repositories.NewUserRepository(db),
		logs:     repositories.NewSystemLogRepository(db),
		resolver: resolver,
		quota:    quota,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Get returns one record the actor may see.
func (m *Manager) Get(ctx context.Context, actor Actor, fileID string) (*models.File, error) {
	f, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, f, fileID); err != nil {
		return nil, err
	}
	return f, nil
}

// ListOptions are the caller-controlled parts of a listing.
type ListOptions struct {
	ParentID *string
	Tab      string
	Sort     string
	Desc     bool
	Limit    int
}

// List returns the actor's records for one folder (or the root) or one tab.
func (m *Manager) List(ctx context.Context, actor Actor, opts ListOptions) ([]*models.File, error) {
	switch opts.Tab {
	case "", "all", "starred", "recent":
	default:
		return nil, fmt.Errorf("%w: unknown tab %q", apperrors.ErrInvalidArgument, opts.Tab)
	}

	ownerID := actor.UserID
	if opts.ParentID != nil {
		parent, err := m.Get(ctx, actor, *opts.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsFolder() {
			return nil, fmt.Errorf("%w: %s is not a folder", apperrors.ErrInvalidArgument, parent.Name)
		}
		// admins browsing someone else's folder see that owner's rows
		ownerID = parent.OwnerID
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	return m.files.List(ctx, models.FileFilter{
		OwnerID:  ownerID,
		ParentID: opts.ParentID,
		Tab:      opts.Tab,
		Sort:     opts.Sort,
		Desc:     opts.Desc,
		Limit:    limit,
		Since:    m.now().Add(-recentWindow),
	})
}

// authorize returns ErrNotFound for a nil record and ErrPermissionDenied when the
// actor is neither the owner nor an admin.
func authorize(actor Actor, f *models.File, id string) error {
	if f == nil {
		return fmt.Errorf("%w: file %s", apperrors.ErrNotFound, id)
	}
	if f.OwnerID != actor.UserID && !actor.IsAdmin() {
		return fmt.Errorf("%w: file %s", apperrors.ErrPermissionDenied, id)
	}
	return nil
}

// validateName rejects names that would break the path model.
func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name must not be empty", apperrors.ErrInvalidArgument)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: name %q is reserved", apperrors.ErrInvalidArgument, name)
	case strings.ContainsAny(name, "/\x00"):
		return "", fmt.Errorf("%w: name must not contain '/'", apperrors.ErrInvalidArgument)
	case utf8.RuneCountInString(name) > maxNameLength:
		return "", fmt.Errorf("%w: name longer than %d characters", apperrors.ErrInvalidArgument, maxNameLength)
	}
	return name, nil
}

// loadParent fetches and checks the folder a new record goes into. A nil id is the root.
func (m *Manager) loadParent(ctx context.Context, ownerID string, parentID *string) (*models.File, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := m.files.GetByID(ctx, *parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: parent folder %s", apperrors.ErrNotFound, *parentID)
	}
	if !parent.IsFolder() {
		return nil, fmt.Errorf("%w: parent %s is not a folder", apperrors.ErrInvalidArgument, parent.Name)
	}
	if parent.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: parent folder %s", apperrors.ErrPermissionDenied, *parentID)
	}
	return parent, nil
}

// audit writes a system log entry. Failures are logged and ignored.
func (m *Manager) audit(ctx context.Context, actor Actor, action, status string, f *models.File, details string) {
	entry := &models.SystemLog{
		Action:    action,
		Status:    status,
		Details:   details,
		IPAddress: actor.IP,
	}
	if actor.UserID != "" {
		uid := actor.UserID
		entry.UserID = &uid
	}
	if f != nil {
		entry.FileName = f.Name
		if f.ID != "" {
			fid := f.ID
			entry.FileID = &fid
		}
	}
	if err := m.logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("failed to write system log", "action", action, "error", err)
	}
}
