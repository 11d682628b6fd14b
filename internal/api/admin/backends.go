package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/middleware"
	"github.com/filevault/filevault/internal/registry"
	"github.com/filevault/filevault/internal/storage"
)

// BackendCatalog manages storage backend rows.
type BackendCatalog interface {
	ListWithUsage(ctx context.Context) ([]*models.StorageBackendWithUsage, error)
	Create(ctx context.Context, scope registry.Scope, in registry.BackendInput) (*models.StorageBackend, error)
	Update(ctx context.Context, scope registry.Scope, id string, upd registry.BackendUpdate) (*models.StorageBackend, error)
	Delete(ctx context.Context, scope registry.Scope, id string) error
	Test(ctx context.Context, backendType string, cfg storage.BackendConfig, existingID string) error
}

// BackendHandlers serves the backend catalog.
type BackendHandlers struct {
	catalog BackendCatalog
}

// NewBackendHandlers creates BackendHandlers.
func NewBackendHandlers(catalog BackendCatalog) *BackendHandlers {
	return &BackendHandlers{catalog: catalog}
}

func adminScope(c *gin.Context) (registry.Scope, bool) {
	user, ok := currentAdmin(c)
	if !ok {
		return registry.Scope{}, false
	}
	return registry.Scope{UserID: user.ID, Admin: true, IP: c.ClientIP()}, true
}

// List returns every backend with its file count and stored bytes.
// GET /api/v1/admin/backends
func (h *BackendHandlers) List(c *gin.Context) {
	list, err := h.catalog.ListWithUsage(c.Request.Context())
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": list})
}

// Create adds a global backend.
// POST /api/v1/admin/backends
func (h *BackendHandlers) Create(c *gin.Context) {
	scope, ok := adminScope(c)
	if !ok {
		return
	}
	var in registry.BackendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	b, err := h.catalog.Create(c.Request.Context(), scope, in)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// Update patches a backend. Secrets sent back masked keep their stored values.
// PUT /api/v1/admin/backends/:id
func (h *BackendHandlers) Update(c *gin.Context) {
	scope, ok := adminScope(c)
	if !ok {
		return
	}
	var upd registry.BackendUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	b, err := h.catalog.Update(c.Request.Context(), scope, c.Param("id"), upd)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Delete removes a backend that no file references.
// DELETE /api/v1/admin/backends/:id
func (h *BackendHandlers) Delete(c *gin.Context) {
	scope, ok := adminScope(c)
	if !ok {
		return
	}
	if err := h.catalog.Delete(c.Request.Context(), scope, c.Param("id")); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Storage backend deleted"})
}

type testBackendRequest struct {
	Type   string                `json:"type" binding:"required"`
	Config storage.BackendConfig `json:"config"`
	// ID lets an edit form test with secrets still masked.
	ID string `json:"id"`
}

// Test probes a backend configuration without saving it.
// POST /api/v1/admin/backends/test
func (h *BackendHandlers) Test(c *gin.Context) {
	var req testBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}
	if err := h.catalog.Test(c.Request.Context(), req.Type, req.Config, req.ID); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Backend reachable"})
}
