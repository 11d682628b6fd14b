package files

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/storage"
)

// CreateFolder adds an empty folder under parentID, or at the root when it is nil.
func (m *Manager) CreateFolder(ctx context.Context, actor Actor, name string, parentID *string) (*models.File, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	parent, err := m.loadParent(ctx, actor.UserID, parentID)
	if err != nil {
		return nil, err
	}

	f := &models.File{
		Name:       name,
		MimeType:   "folder",
		StorageKey: storage.FolderKey(actor.UserID, m.now()),
		OwnerID:    actor.UserID,
		ParentID:   parentID,
		Path:       models.ChildPath(parent, name),
		Kind:       storage.KindFolder,
		Status:     models.FileStatusActive,
	}
	if err := m.files.Create(ctx, f); err != nil {
		return nil, err
	}
	m.audit(ctx, actor, models.ActionCreateFolder, models.LogStatusSuccess, f, f.Path)
	return f, nil
}

// Rename changes a record's name. Renaming a folder rewrites every descendant path
// in the same transaction.
func (m *Manager) Rename(ctx context.Context, actor Actor, fileID, newName string) (*models.File, error) {
	newName, err := validateName(newName)
	if err != nil {
		return nil, err
	}

	var renamed *models.File
	err = repositories.InTx(ctx, m.db, func(tx *sqlx.Tx) error {
		files := m.files.WithTx(tx)
		f, err := files.GetForUpdate(ctx, fileID)
		if err != nil {
			return err
		}
		if err := authorize(actor, f, fileID); err != nil {
			return err
		}
		if f.Name == newName {
			renamed = f
			return nil
		}

		oldPath := f.Path
		newPath := strings.TrimSuffix(oldPath, f.Name) + newName
		if err := files.UpdateName(ctx, f.ID, newName, newPath); err != nil {
			return err
		}
		if f.IsFolder() {
			n, err := files.RewriteDescendantPaths(ctx, f.ID, oldPath, newPath)
			if err != nil {
				return err
			}
			slog.Debug("rewrote descendant paths", "folder_id", f.ID, "rows", n)
		}
		f.Name, f.Path = newName, newPath
		renamed = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.audit(ctx, actor, models.ActionRename, models.LogStatusSuccess, renamed, renamed.Path)
	return renamed, nil
}

// ToggleStar sets the starred flag on a record.
func (m *Manager) ToggleStar(ctx context.Context, actor Actor, fileID string, starred bool) (*models.File, error) {
	f, err := m.Get(ctx, actor, fileID)
	if err != nil {
		return nil, err
	}
	ok, err := m.files.SetStarred(ctx, f.ID, starred)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: file %s", apperrors.ErrNotFound, fileID)
	}
	f.IsStarred = starred
	return f, nil
}

// Move reparents every record in fileIDs under targetID, or to the root when it is
// nil. The call is atomic: any invalid item rolls back the whole batch. Items
// already in place are skipped and not counted.
func (m *Manager) Move(ctx context.Context, actor Actor, fileIDs []string, targetID *string) (int, error) {
	if len(fileIDs) == 0 {
		return 0, fmt.Errorf("%w: no files to move", apperrors.ErrInvalidArgument)
	}

	moved := 0
	var movedFiles []*models.File
	err := repositories.InTx(ctx, m.db, func(tx *sqlx.Tx) error {
		files := m.files.WithTx(tx)

		var target *models.File
		if targetID != nil {
			t, err := files.GetForUpdate(ctx, *targetID)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("%w: target folder %s does not exist", apperrors.ErrIllegalMove, *targetID)
			}
			if !t.IsFolder() {
				return fmt.Errorf("%w: target %s is not a folder", apperrors.ErrIllegalMove, t.Name)
			}
			if err := authorize(actor, t, *targetID); err != nil {
				return err
			}
			target = t
		}

		for _, id := range fileIDs {
			f, err := files.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := authorize(actor, f, id); err != nil {
				return err
			}
			if target != nil {
				if target.OwnerID != f.OwnerID {
					return fmt.Errorf("%w: %s belongs to another user's tree", apperrors.ErrIllegalMove, f.Name)
				}
				if f.IsFolder() && (target.ID == f.ID || strings.HasPrefix(target.Path, f.Path+"/")) {
					return fmt.Errorf("%w: cannot move folder %s into itself", apperrors.ErrIllegalMove, f.Name)
				}
			}
			if sameParent(f.ParentID, targetID) {
				continue
			}

			newPath := models.ChildPath(target, f.Name)
			if err := files.Relocate(ctx, f.ID, targetID, newPath); err != nil {
				return err
			}
			if f.IsFolder() {
				if _, err := files.RewriteDescendantPaths(ctx, f.ID, f.Path, newPath); err != nil {
					return err
				}
			}
			f.ParentID, f.Path = targetID, newPath
			movedFiles = append(movedFiles, f)
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, f := range movedFiles {
		m.audit(ctx, actor, models.ActionMove, models.LogStatusSuccess, f, "to "+f.Path)
	}
	return moved, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
