package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// File kinds stored in files.kind.
const (
	KindFolder = "folder"
	KindImage  = "image"
	KindVideo  = "video"
	KindPDF    = "pdf"
	KindZip    = "zip"
	KindCode   = "code"
)

// GenerateKey builds the storage key for an upload: owner/<unix-ms>_<name>, with
// every byte of name outside [a-zA-Z0-9._-] replaced by an underscore.
func GenerateKey(ownerID, name string, now time.Time) string {
	return fmt.Sprintf("%s/%d_%s", ownerID, now.UnixMilli(), sanitizeName(name))
}

// FolderKey is the placeholder key recorded for folders, which carry no bytes.
func FolderKey(ownerID string, now time.Time) string {
	return fmt.Sprintf("folder_%s_%d", ownerID, now.UnixMilli())
}

func sanitizeName(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// DetectKind classifies a file by MIME type first and extension second.
func DetectKind(name, mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case mimeType == "application/pdf":
		return KindPDF
	case strings.Contains(mimeType, "zip"), strings.Contains(mimeType, "archive"):
		return KindZip
	}

	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".") {
	case "pdf":
		return KindPDF
	case "jpg", "jpeg", "png", "gif", "webp", "svg":
		return KindImage
	case "mp4", "avi", "mov", "wmv", "flv":
		return KindVideo
	case "zip", "rar", "7z", "tar", "gz":
		return KindZip
	}
	return KindCode
}
