package files

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
)

// BatchResult reports the outcome of a batch delete.
type BatchResult struct {
	SuccessCount int         `json:"success_count"`
	Failed       []ItemError `json:"failed,omitempty"`
}

// ItemError is one failed item in a batch.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Delete removes a record and, for folders, everything below it. Stored bytes are
// removed on a best-effort basis; the metadata rows are always deleted and the
// owner's quota is credited with the summed size once.
func (m *Manager) Delete(ctx context.Context, actor Actor, fileID string) error {
	ownerID, freed, err := m.deleteTree(ctx, actor, fileID)
	if err != nil {
		return err
	}
	m.release(ctx, ownerID, freed)
	return nil
}

// BatchDelete deletes each id independently. Failures are reported per item and
// never abort the batch. Quota is credited once per owner.
func (m *Manager) BatchDelete(ctx context.Context, actor Actor, fileIDs []string) *BatchResult {
	result := &BatchResult{}
	freed := make(map[string]int64)
	for _, id := range fileIDs {
		ownerID, n, err := m.deleteTree(ctx, actor, id)
		if err != nil {
			result.Failed = append(result.Failed, ItemError{ID: id, Error: apperrors.PublicMessage(err)})
			continue
		}
		freed[ownerID] += n
		result.SuccessCount++
	}
	for ownerID, n := range freed {
		m.release(ctx, ownerID, n)
	}
	return result
}

// deleteTree removes the subtree rooted at fileID and returns the owner and the
// bytes freed. It does not touch quota. The subtree is locked first so the rows
// removed, and therefore the stored objects deleted, are exactly the rows that were
// there; the metadata delete commits only after the objects are gone.
func (m *Manager) deleteTree(ctx context.Context, actor Actor, fileID string) (string, int64, error) {
	root, err := m.Get(ctx, actor, fileID)
	if err != nil {
		return "", 0, err
	}

	var (
		removed      []*models.File
		blobFailures int
	)
	err = repositories.InTx(ctx, m.db, func(tx *sqlx.Tx) error {
		files := m.files.WithTx(tx)
		if _, err := files.LockSubtree(ctx, root.ID); err != nil {
			return err
		}
		removed, err = files.DeleteSubtree(ctx, root.ID)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			return fmt.Errorf("%w: file %s", apperrors.ErrNotFound, fileID)
		}
		blobFailures = m.deleteBlobs(ctx, removed)
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	var freed int64
	for _, f := range removed {
		freed += f.SizeBytes
	}
	status, details := models.LogStatusSuccess, fmt.Sprintf("%d records, %d bytes", len(removed), freed)
	if blobFailures > 0 {
		status = models.LogStatusWarning
		details += fmt.Sprintf(", %d stored objects could not be removed", blobFailures)
	}
	m.audit(ctx, actor, models.ActionDelete, status, root, details)
	return root.OwnerID, freed, nil
}

// deleteBlobs removes the stored objects of files, best-effort, and returns how
// many could not be removed.
func (m *Manager) deleteBlobs(ctx context.Context, files []*models.File) int {
	failures := 0
	for _, f := range files {
		if f.IsFolder() || f.Status == models.FileStatusTakenDown {
			continue
		}
		if err := m.deleteBlob(ctx, f); err != nil {
			failures++
			slog.Warn("failed to delete stored object, removing metadata anyway",
				"file_id", f.ID, "key", f.StorageKey, "error", err)
		}
	}
	return failures
}

func (m *Manager) deleteBlob(ctx context.Context, f *models.File) error {
	res, err := m.resolver.ForFile(ctx, f)
	if err != nil {
		return err
	}
	return res.Storage.Delete(ctx, f.StorageKey)
}

func (m *Manager) release(ctx context.Context, ownerID string, bytes int64) {
	if bytes <= 0 {
		return
	}
	if err := m.quota.Release(context.WithoutCancel(ctx), ownerID, bytes); err != nil {
		slog.Error("failed to release quota", "user_id", ownerID, "bytes", bytes, "error", err)
	}
}

// Takedown is the admin removal of a file's content. The stored bytes are deleted,
// the record is kept under a "[removed] " name with size zero, and the owner's quota
// is credited. Taking down a file twice is a no-op.
func (m *Manager) Takedown(ctx context.Context, actor Actor, fileID, reason string) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: takedown requires an administrator", apperrors.ErrPermissionDenied)
	}
	f, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: file %s", apperrors.ErrNotFound, fileID)
	}
	if f.IsFolder() {
		return fmt.Errorf("%w: folders cannot be taken down", apperrors.ErrInvalidArgument)
	}
	if f.Status == models.FileStatusTakenDown {
		return nil
	}

	status := models.LogStatusSuccess
	if err := m.deleteBlob(ctx, f); err != nil {
		status = models.LogStatusWarning
		slog.Warn("takedown: failed to delete stored object", "file_id", f.ID, "error", err)
	}
	if err := m.files.MarkTakenDown(ctx, f.ID); err != nil {
		return err
	}
	m.release(ctx, f.OwnerID, f.SizeBytes)

	slog.Info("file taken down", "file_id", f.ID, "owner_id", f.OwnerID, "admin_id", actor.UserID)
	m.audit(ctx, actor, models.ActionTakedown, status, f, reason)
	return nil
}
