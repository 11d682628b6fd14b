package admin

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/filevault/filevault/internal/apperrors"
	"github.com/filevault/filevault/internal/db/models"
	"github.com/filevault/filevault/internal/db/repositories"
	"github.com/filevault/filevault/internal/middleware"
)

// GroupHandlers serves group storage allocations and the group usage report.
type GroupHandlers struct {
	groups *repositories.GroupRepository
}

// NewGroupHandlers creates GroupHandlers.
func NewGroupHandlers(db *sqlx.DB) *GroupHandlers {
	return &GroupHandlers{groups: repositories.NewGroupRepository(db)}
}

// requireGroup aborts with 404 when the group in :id does not exist.
func (h *GroupHandlers) requireGroup(c *gin.Context) (*models.Group, bool) {
	g, err := h.groups.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return nil, false
	}
	if g == nil {
		middleware.RespondError(c, fmt.Errorf("%w: group %s", apperrors.ErrNotFound, c.Param("id")))
		return nil, false
	}
	return g, true
}

// ListAllocations lists a group's backend allocations.
// GET /api/v1/admin/groups/:id/allocations
func (h *GroupHandlers) ListAllocations(c *gin.Context) {
	g, ok := h.requireGroup(c)
	if !ok {
		return
	}
	list, err := h.groups.ListAllocations(c.Request.Context(), g.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if list == nil {
		list = []*models.GroupStorageAllocation{}
	}
	c.JSON(http.StatusOK, gin.H{"group": g, "allocations": list})
}

type allocationRequest struct {
	StorageBackendID string  `json:"storageBackendId" binding:"required"`
	QuotaGB          float64 `json:"quotaGb"`
}

// UpsertAllocation creates or replaces the group's allocation on one backend.
// POST /api/v1/admin/groups/:id/allocations
func (h *GroupHandlers) UpsertAllocation(c *gin.Context) {
	var req allocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storageBackendId is required"})
		return
	}
	if req.QuotaGB < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quotaGb must not be negative"})
		return
	}
	g, ok := h.requireGroup(c)
	if !ok {
		return
	}

	a := &models.GroupStorageAllocation{GroupID: g.ID, StorageBackendID: req.StorageBackendID, QuotaGB: req.QuotaGB}
	if err := h.groups.UpsertAllocation(c.Request.Context(), a); err != nil {
		var pqErr *pq.Error
		if (errors.As(err, &pqErr) && pqErr.Code == "23503") || repositories.IsInvalidID(err) {
			err = fmt.Errorf("%w: backend %s", apperrors.ErrNotFound, req.StorageBackendID)
		}
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DeleteAllocation removes one allocation.
// DELETE /api/v1/admin/allocations/:id
func (h *GroupHandlers) DeleteAllocation(c *gin.Context) {
	found, err := h.groups.DeleteAllocation(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "allocation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Allocation deleted"})
}

// Usage reports, per allocated backend, the bytes stored by the group's members and
// whether the allocation is exceeded.
// GET /api/v1/admin/groups/:id/usage
func (h *GroupHandlers) Usage(c *gin.Context) {
	g, ok := h.requireGroup(c)
	if !ok {
		return
	}
	usage, err := h.groups.Usage(c.Request.Context(), g.ID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	if usage == nil {
		usage = []*models.GroupBackendUsage{}
	}
	c.JSON(http.StatusOK, gin.H{"group": g, "usage": usage})
}
