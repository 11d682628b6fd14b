// Package admin implements the administrator endpoints under /api/v1/admin: the
// backend catalog, group allocations, user quotas, takedowns and the system log.
//
// Every route is mounted behind middleware.RequireAdmin.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/middleware"
)

// Handlers groups the admin endpoints.
type Handlers struct {
	Backends *BackendHandlers
	Groups   *GroupHandlers
	Users    *UserHandlers
	Files    *FileHandlers
	Logs     *LogHandlers
}

// Register mounts every admin route on rg.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.GET("/backends", h.Backends.List)
	rg.POST("/backends", h.Backends.Create)
	rg.POST("/backends/test", h.Backends.Test)
	rg.PUT("/backends/:id", h.Backends.Update)
	rg.DELETE("/backends/:id", h.Backends.Delete)

	rg.GET("/groups/:id/allocations", h.Groups.ListAllocations)
	rg.POST("/groups/:id/allocations", h.Groups.UpsertAllocation)
	rg.GET("/groups/:id/usage", h.Groups.Usage)
	rg.DELETE("/allocations/:id", h.Groups.DeleteAllocation)

	rg.PUT("/users/:id/quota", h.Users.SetQuota)
	rg.POST("/files/:id/takedown", h.Files.Takedown)
	rg.GET("/logs", h.Logs.List)
}

// currentAdmin returns the authenticated admin or aborts with 401.
func currentAdmin(c *gin.Context) (*models.User, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}
	return user, true
}
