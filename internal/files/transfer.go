package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/storage"
)

// UploadInput describes one file being uploaded.
type UploadInput struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
	ParentID    *string
	// BackendID optionally names the backend to store the bytes on.
	BackendID string
}

// Upload streams a file onto the resolved backend and records it.
//
// Quota is reserved before any byte is written and released again on every failure
// path. A blob whose metadata row could not be committed is deleted before
// returning, so a cancelled upload leaves neither a row nor charged quota behind.
func (m *Manager) Upload(ctx context.Context, actor Actor, in UploadInput) (*models.File, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.Size < 0 {
		return nil, fmt.Errorf("%w: size must not be negative", apperrors.ErrInvalidArgument)
	}
	if in.Body == nil {
		return nil, fmt.Errorf("%w: empty upload body", apperrors.ErrInvalidArgument)
	}

	owner, err := m.users.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, actor.UserID)
	}

	parent, err := m.loadParent(ctx, owner.ID, in.ParentID)
	if err != nil {
		return nil, err
	}

	res, err := m.resolver.Resolve(ctx, owner.ID, in.BackendID)
	if err != nil {
		return nil, err
	}
	if err := m.quota.CheckBackend(ctx, res.Backend, in.Size); err != nil {
		return nil, err
	}
	if err := m.quota.Reserve(ctx, owner.ID, in.Size); err != nil {
		return nil, err
	}
	reserved := in.Size

	// cleanup runs after ctx may already be cancelled
	cleanupCtx := context.WithoutCancel(ctx)
	release := func() {
		if err := m.quota.Release(cleanupCtx, owner.ID, reserved); err != nil {
			slog.Error("failed to release reserved quota", "user_id", owner.ID, "bytes", reserved, "error", err)
		}
	}

	now := m.now()
	key := storage.GenerateKey(owner.ID, name, now)
	result, err := res.Storage.Upload(ctx, key, in.Body, in.Size, in.ContentType)
	if err != nil {
		release()
		m.audit(ctx, actor, models.ActionUpload, models.LogStatusFailure, &models.File{Name: name}, err.Error())
		return nil, err
	}

	discard := func() {
		if err := res.Storage.Delete(cleanupCtx, key); err != nil {
			slog.Warn("failed to remove orphaned blob", "key", key, "backend_id", res.Backend.ID, "error", err)
		}
		release()
	}

	// the declared size is advisory; charge what was actually stored
	if result.Size != reserved {
		if result.Size > reserved {
			if err := m.quota.Reserve(ctx, owner.ID, result.Size-reserved); err != nil {
				discard()
				return nil, err
			}
		} else if err := m.quota.Release(ctx, owner.ID, reserved-result.Size); err != nil {
			slog.Warn("failed to release unused reservation", "user_id", owner.ID, "error", err)
		}
		reserved = result.Size
	}

	if err := ctx.Err(); err != nil {
		discard()
		return nil, err
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	f := &models.File{
		Name:             name,
		SizeBytes:        result.Size,
		MimeType:         contentType,
		StorageKey:       key,
		StorageBackendID: res.BackendID(),
		OwnerID:          owner.ID,
		ParentID:         in.ParentID,
		Path:             models.ChildPath(parent, name),
		Kind:             storage.DetectKind(name, contentType),
		Status:           models.FileStatusActive,
		Checksum:         result.Checksum,
	}
	if err := m.files.Create(ctx, f); err != nil {
		discard()
		return nil, err
	}

	slog.Info("file uploaded", "file_id", f.ID, "owner_id", owner.ID, "backend_id", res.Backend.ID, "size", f.SizeBytes)
	m.audit(ctx, actor, models.ActionUpload, models.LogStatusSuccess, f, fmt.Sprintf("%d bytes to %s", f.SizeBytes, res.Backend.Name))

	if owner.GroupID != nil {
		if _, err := m.quota.ReportGroup(cleanupCtx, owner.GroupID, res.Backend.ID); err != nil {
			slog.Warn("group allocation check failed", "group_id", *owner.GroupID, "error", err)
		}
	}
	return f, nil
}

// Download opens a stored file for reading. A nil requester skips the ownership
// check; callers use that for links that were already authorised.
func (m *Manager) Download(ctx context.Context, requester *Actor, fileID string) (io.ReadCloser, *models.File, error) {
	f, err := m.readable(ctx, requester, fileID)
	if err != nil {
		return nil, nil, err
	}

	res, err := m.resolver.ForFile(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	rc, err := res.Storage.Download(ctx, f.StorageKey)
	if err != nil {
		return nil, nil, err
	}

	if err := m.files.IncrementDownloadCount(ctx, f.ID); err != nil {
		slog.Warn("failed to increment download count", "file_id", f.ID, "error", err)
	}
	actor := Actor{}
	if requester != nil {
		actor = *requester
	}
	m.audit(ctx, actor, models.ActionDownload, models.LogStatusSuccess, f, "")
	return rc, f, nil
}

// PresignedURL returns a time-limited link for a file. Backends that cannot
// presign get a link to the authenticated download endpoint instead.
func (m *Manager) PresignedURL(ctx context.Context, actor Actor, fileID string) (string, time.Time, error) {
	f, err := m.readable(ctx, &actor, fileID)
	if err != nil {
		return "", time.Time{}, err
	}

	expires := m.now().Add(m.cfg.PresignTTL)
	res, err := m.resolver.ForFile(ctx, f)
	if err != nil {
		return "", time.Time{}, err
	}
	link, err := res.Storage.GetURL(ctx, f.StorageKey, m.cfg.PresignTTL)
	if errors.Is(err, apperrors.ErrNotImplemented) {
		return m.cfg.BaseURL + "/api/v1/files/" + url.PathEscape(f.ID) + "/download", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return link, expires, nil
}

// readable loads a file the requester may read the bytes of.
func (m *Manager) readable(ctx context.Context, requester *Actor, fileID string) (*models.File, error) {
	f, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if requester != nil {
		if err := authorize(*requester, f, fileID); err != nil {
			return nil, err
		}
	} else if f == nil {
		return nil, fmt.Errorf("%w: file %s", apperrors.ErrNotFound, fileID)
	}
	if f.IsFolder() {
		return nil, fmt.Errorf("%w: %s is a folder", apperrors.ErrInvalidArgument, f.Name)
	}
	if f.Status == models.FileStatusTakenDown {
		return nil, fmt.Errorf("%w: file %s has been removed", apperrors.ErrNotFound, fileID)
	}
	return f, nil
}
