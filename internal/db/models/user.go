// Package models - user.go defines the User model: identity fields provided by the
// auth collaborator plus the per-user quota counters maintained by the quota enforcer.
package models

import (
	"math"
	"time"
)

// BytesPerGB converts between the GB figures stored in quota columns and byte counts.
const BytesPerGB = 1_000_000_000

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a FileVault account
type User struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	Name             string    `db:"name" json:"name"`
	Role             string    `db:"role" json:"role"`
	GroupID          *string   `db:"group_id" json:"group_id,omitempty"`
	StorageQuotaGB   float64   `db:"storage_quota_gb" json:"storage_quota_gb"`
	StorageUsedGB    float64   `db:"storage_used_gb" json:"storage_used_gb"`
	DefaultBackendID *string   `db:"default_backend_id" json:"default_backend_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// IsAdmin reports whether the user may act on any record.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// QuotaBytes returns the user's quota in bytes; 0 means unlimited.
func (u *User) QuotaBytes() int64 {
	if u.StorageQuotaGB <= 0 {
		return 0
	}
	return GBToBytes(u.StorageQuotaGB)
}

// UsedBytes returns the recorded usage in bytes.
func (u *User) UsedBytes() int64 {
	return GBToBytes(u.StorageUsedGB)
}

// RemainingBytes returns how many more bytes the user may store, or -1 when the
// quota is unlimited.
func (u *User) RemainingBytes() int64 {
	q := u.QuotaBytes()
	if q == 0 {
		return -1
	}
	if rem := q - u.UsedBytes(); rem > 0 {
		return rem
	}
	return 0
}

// GBToBytes converts a GB figure to bytes, rounding to the nearest byte.
func GBToBytes(gb float64) int64 {
	return int64(math.Round(gb * BytesPerGB))
}

// BytesToGB converts a byte count to the GB figure stored in quota columns.
func BytesToGB(b int64) float64 {
	return float64(b) / BytesPerGB
}
