package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/middleware"
)

// UserHandlers serves user quota administration.
type UserHandlers struct {
	users *repositories.UserRepository
	logs  *repositories.SystemLogRepository
}

// NewUserHandlers creates UserHandlers.
func NewUserHandlers(db *sqlx.DB) *UserHandlers {
	return &UserHandlers{
		users: repositories.NewUserRepository(db),
		logs:  repositories.NewSystemLogRepository(db),
	}
}

type setQuotaRequest struct {
	QuotaGB *float64 `json:"quotaGb" binding:"required"`
}

// SetQuota sets a user's storage quota in GB; 0 means unlimited.
// PUT /api/v1/admin/users/:id/quota
func (h *UserHandlers) SetQuota(c *gin.Context) {
	admin, ok := currentAdmin(c)
	if !ok {
		return
	}
	var req setQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quotaGb is required"})
		return
	}
	if *req.QuotaGB < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quotaGb must not be negative"})
		return
	}

	userID := c.Param("id")
	found, err := h.users.SetQuota(c.Request.Context(), userID, *req.QuotaGB)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	entry := &models.SystemLog{
		Action:    models.ActionQuotaUpdate,
		UserID:    &admin.ID,
		Status:    models.LogStatusSuccess,
		Details:   fmt.Sprintf("user %s quota set to %g GB", userID, *req.QuotaGB),
		IPAddress: c.ClientIP(),
	}
	if err := h.logs.Create(context.WithoutCancel(c.Request.Context()), entry); err != nil {
		slog.Warn("failed to write system log", "action", entry.Action, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "storage_quota_gb": *req.QuotaGB})
}
