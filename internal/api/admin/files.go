package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	vault "github.com/filevault/filevault/internal/files"
	"github.com/filevault/filevault/internal/middleware"
)

// Takedowner removes a file's content while keeping its record.
type Takedowner interface {
	Takedown(ctx context.Context, actor vault.Actor, fileID, reason string) error
}

// FileHandlers serves administrative file actions.
type FileHandlers struct {
	files Takedowner
}

// NewFileHandlers creates FileHandlers.
func NewFileHandlers(files Takedowner) *FileHandlers {
	return &FileHandlers{files: files}
}

type takedownRequest struct {
	Reason string `json:"reason"`
}

// Takedown removes a file's bytes and marks the record taken down.
// POST /api/v1/admin/files/:id/takedown
func (h *FileHandlers) Takedown(c *gin.Context) {
	admin, ok := currentAdmin(c)
	if !ok {
		return
	}
	var req takedownRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	actor := vault.Actor{UserID: admin.ID, Role: admin.Role, IP: c.ClientIP()}
	if err := h.files.Takedown(c.Request.Context(), actor, c.Param("id"), req.Reason); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File taken down"})
}
