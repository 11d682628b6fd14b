package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/middleware"
)

// LogHandlers serves the system log.
type LogHandlers struct {
	logs *repositories.SystemLogRepository
}

// NewLogHandlers creates LogHandlers.
func NewLogHandlers(db *sqlx.DB) *LogHandlers {
	return &LogHandlers{logs: repositories.NewSystemLogRepository(db)}
}

// List returns one page of system log entries, newest first.
// GET /api/v1/admin/logs?page=1&per_page=50
func (h *LogHandlers) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	logs, total, err := h.logs.List(c.Request.Context(), perPage, (page-1)*perPage)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.SystemLog{}
	}
	c.JSON(http.StatusOK, gin.H{
		"logs": logs,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}
