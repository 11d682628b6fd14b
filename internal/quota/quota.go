// Package quota enforces the three quota tiers checked before a write.
//
// The user tier is enforced and committed in one conditional UPDATE, so two
// concurrent uploads by the same user cannot both squeeze under the limit. The
// backend tier sums the bytes already stored on the backend. The group tier is
// advisory: it is evaluated after a successful upload and only reported.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/telemetry"
)

// UserStore holds the per-user counters.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	ReserveQuota(ctx context.Context, userID string, deltaGB float64) (bool, error)
	ReleaseQuota(ctx context.Context, userID string, deltaGB float64) error
}

// FileStore totals stored bytes per backend.
type FileStore interface {
	SumBytesByBackend(ctx context.Context, backendID string, includeUnassigned bool) (int64, error)
}

// GroupStore reports group consumption on a backend.
type GroupStore interface {
	UsageOnBackend(ctx context.Context, groupID, backendID string) (*models.GroupBackendUsage, error)
}

// Enforcer checks and commits quota usage.
type Enforcer struct {
	users  UserStore
	files  FileStore
	groups GroupStore
}

// New creates an Enforcer.
func New(users UserStore, files FileStore, groups GroupStore) *Enforcer {
	return &Enforcer{users: users, files: files, groups: groups}
}

// Usage is the quota state of one user. QuotaBytes 0 means unlimited, in which case
// RemainingBytes is -1.
type Usage struct {
	QuotaBytes     int64 `json:"quota_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`
}

// UserUsage reports the quota state of userID.
func (e *Enforcer) UserUsage(ctx context.Context, userID string) (*Usage, error) {
	u, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
	}
	return &Usage{QuotaBytes: u.QuotaBytes(), UsedBytes: u.UsedBytes(), RemainingBytes: u.RemainingBytes()}, nil
}

// CheckBackend fails with ErrQuotaExceeded when storing incoming more bytes on b
// would pass the quotaGb in its config. Backends without a quota always pass.
func (e *Enforcer) CheckBackend(ctx context.Context, b *models.StorageBackend, incoming int64) error {
	limit := b.Config.QuotaBytes()
	if limit == 0 {
		return nil
	}
	used, err := e.files.SumBytesByBackend(ctx, b.ID, b.IsSystem)
	if err != nil {
		return fmt.Errorf("failed to compute backend usage: %w", err)
	}
	if used+incoming > limit {
		telemetry.QuotaRejectionsTotal.WithLabelValues("backend").Inc()
		return fmt.Errorf("%w: backend %s has %d of %d bytes in use", apperrors.ErrQuotaExceeded, b.Name, used, limit)
	}
	return nil
}

// Reserve adds bytes to userID's usage if it fits the user's quota. On failure
// nothing is changed.
func (e *Enforcer) Reserve(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	ok, err := e.users.ReserveQuota(ctx, userID, models.BytesToGB(bytes))
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}
	if ok {
		return nil
	}

	u, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
	}
	telemetry.QuotaRejectionsTotal.WithLabelValues("user").Inc()
	return fmt.Errorf("%w: %d bytes requested, %d remaining", apperrors.ErrQuotaExceeded, bytes, u.RemainingBytes())
}

// Release subtracts bytes from userID's usage, flooring at zero.
func (e *Enforcer) Release(ctx context.Context, userID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if err := e.users.ReleaseQuota(ctx, userID, models.BytesToGB(bytes)); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// ReportGroup evaluates the advisory group allocation after an upload. Overruns are
// logged and counted; the returned usage is nil when the group has no allocation
// on the backend.
func (e *Enforcer) ReportGroup(ctx context.Context, groupID *string, backendID string) (*models.GroupBackendUsage, error) {
	if groupID == nil {
		return nil, nil
	}
	usage, err := e.groups.UsageOnBackend(ctx, *groupID, backendID)
	if err != nil || usage == nil {
		return nil, err
	}
	if usage.Exceeded {
		telemetry.GroupAllocationExceededTotal.Inc()
		slog.Warn("group storage allocation exceeded",
			"group_id", *groupID,
			"backend_id", backendID,
			"used_bytes", usage.UsedBytes,
			"allocation_gb", usage.QuotaGB,
		)
	}
	return usage, nil
}
