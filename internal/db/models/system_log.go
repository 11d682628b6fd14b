// Package models - system_log.go defines SystemLog, the audit trail of file operations
// and backend changes shown to administrators.
package models

import "time"

// Log statuses.
const (
	LogStatusSuccess = "success"
	LogStatusWarning = "warning"
	LogStatusFailure = "failure"
)

// Log actions.
const (
	ActionUpload        = "file.upload"
	ActionDownload      = "file.download"
	ActionDelete        = "file.delete"
	ActionMove          = "file.move"
	ActionRename        = "file.rename"
	ActionCreateFolder  = "folder.create"
	ActionTakedown      = "file.takedown"
	ActionBackendCreate = "backend.create"
	ActionBackendUpdate = "backend.update"
	ActionBackendDelete = "backend.delete"
	ActionQuotaUpdate   = "user.quota_update"
)

// SystemLog is one audit entry.
type SystemLog struct {
	ID        int64     `db:"id" json:"id"`
	Action    string    `db:"action" json:"action"`
	UserID    *string   `db:"user_id" json:"user_id,omitempty"`
	Status    string    `db:"status" json:"status"`
	Details   string    `db:"details" json:"details"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	FileID    *string   `db:"file_id" json:"file_id,omitempty"`
	FileName  string    `db:"file_name" json:"file_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
