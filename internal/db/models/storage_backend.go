// Package models - storage_backend.go defines the StorageBackend catalog row and the
// group allocation records that cap how much of a backend a group may use.
package models

import (
	"time"

	"github.com/filevault/filevault/internal/storage"
)

// StorageBackend is a configured physical storage target. OwnerID is nil for
// global backends managed by administrators.
type StorageBackend struct {
	ID          string                `db:"id" json:"id"`
	Name        string                `db:"name" json:"name"`
	Type        string                `db:"type" json:"type"`
	Config      storage.BackendConfig `db:"config" json:"config"`
	Enabled     bool                  `db:"enabled" json:"enabled"`
	IsDefault   bool                  `db:"is_default" json:"is_default"`
	IsSystem    bool                  `db:"is_system" json:"is_system"`
	OwnerID     *string               `db:"owner_id" json:"owner_id,omitempty"`
	Description string                `db:"description" json:"description"`
	CreatedAt   time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time             `db:"updated_at" json:"updated_at"`
}

// OwnedBy reports whether the backend is private to userID.
func (b *StorageBackend) OwnedBy(userID string) bool {
	return b.OwnerID != nil && *b.OwnerID == userID
}

// UsableBy reports whether userID may store files on the backend.
func (b *StorageBackend) UsableBy(userID string) bool {
	return b.OwnerID == nil || *b.OwnerID == userID
}

// StorageBackendWithUsage adds aggregate file statistics for admin listings.
type StorageBackendWithUsage struct {
	StorageBackend
	FileCount int64 `db:"file_count" json:"file_count"`
	UsedBytes int64 `db:"used_bytes" json:"used_bytes"`
}

// Group is a set of users sharing storage allocations.
type Group struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// GroupStorageAllocation is the advisory cap for one group on one backend.
type GroupStorageAllocation struct {
	ID               string    `db:"id" json:"id"`
	GroupID          string    `db:"group_id" json:"group_id"`
	StorageBackendID string    `db:"storage_backend_id" json:"storage_backend_id"`
	QuotaGB          float64   `db:"quota_gb" json:"quota_gb"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// GroupBackendUsage is one line of the group usage report.
type GroupBackendUsage struct {
	StorageBackendID string  `db:"storage_backend_id" json:"storage_backend_id"`
	BackendName      string  `db:"backend_name" json:"backend_name"`
	QuotaGB          float64 `db:"quota_gb" json:"quota_gb"`
	UsedBytes        int64   `db:"used_bytes" json:"used_bytes"`
	Exceeded         bool    `db:"-" json:"exceeded"`
}

// Evaluate fills Exceeded; an allocation of 0 never overflows.
func (u *GroupBackendUsage) Evaluate() {
	u.Exceeded = u.QuotaGB > 0 && u.UsedBytes > GBToBytes(u.QuotaGB)
}
