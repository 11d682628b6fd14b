// Package models - file.go defines the File model, one row of the materialized-path
// tree of files and folders.
package models

import (
	"time"

	"github.com/filevault/filevault/internal/storage"
)

// File statuses.
const (
	FileStatusActive    = "active"
	FileStatusTakenDown = "taken_down"
)

// File is a stored file or a folder. Path always equals the parent's path plus
// "/" + Name, or "/" + Name at the root.
type File struct {
	ID         string `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	SizeBytes  int64  `db:"size_bytes" json:"size_bytes"`
	MimeType   string `db:"mime_type" json:"mime_type"`
	StorageKey string `db:"storage_key" json:"-"`
	// StorageBackendID is nil for files stored on the system default backend.
	StorageBackendID *string   `db:"storage_backend_id" json:"storage_backend_id,omitempty"`
	OwnerID          string    `db:"owner_id" json:"owner_id"`
	ParentID         *string   `db:"parent_id" json:"parent_id,omitempty"`
	Path             string    `db:"path" json:"path"`
	Kind             string    `db:"kind" json:"kind"`
	IsStarred        bool      `db:"is_starred" json:"is_starred"`
	DownloadCount    int64     `db:"download_count" json:"download_count"`
	Status           string    `db:"status" json:"status"`
	Checksum         string    `db:"checksum" json:"checksum,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// IsFolder reports whether the record is a folder.
func (f *File) IsFolder() bool {
	return f.Kind == storage.KindFolder
}

// ChildPath returns the path a child named name would have under f.
// A nil folder means the root.
func ChildPath(parent *File, name string) string {
	if parent == nil {
		return "/" + name
	}
	return parent.Path + "/" + name
}

// FileFilter selects the rows returned by a listing.
type FileFilter struct {
	OwnerID  string
	ParentID *string
	// Tab is "all", "starred" or "recent".
	Tab string
	// Sort is a whitelisted column: name, size, created_at, updated_at.
	Sort  string
	Desc  bool
	Limit int
	// Since bounds the "recent" tab.
	Since time.Time
}
