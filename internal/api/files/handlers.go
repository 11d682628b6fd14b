// Package files implements the user-facing file and folder endpoints under /api/v1.
//
// Handlers translate HTTP requests into calls on the file hierarchy manager. Every
// route runs behind the auth middleware; the authenticated user becomes the actor.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/db/models"
	vault "github.com/filevault/filevault/internal/files"
	"github.com/filevault/filevault/internal/middleware"
	"github.com/filevault/filevault/internal/quota"
	"github.com/filevault/filevault/internal/registry"
)

// multipartMemory is how much of a multipart body is held in memory before the rest
// spills to a temp file.
const multipartMemory = 32 << 20

// FileService is the file hierarchy manager.
type FileService interface {
	Get(ctx context.Context, actor vault.Actor, fileID string) (*models.File, error)
	List(ctx context.Context, actor vault.Actor, opts vault.ListOptions) ([]*models.File, error)
	Upload(ctx context.Context, actor vault.Actor, in vault.UploadInput) (*models.File, error)
	Download(ctx context.Context, requester *vault.Actor, fileID string) (io.ReadCloser, *models.File, error)
	PresignedURL(ctx context.Context, actor vault.Actor, fileID string) (string, time.Time, error)
	CreateFolder(ctx context.Context, actor vault.Actor, name string, parentID *string) (*models.File, error)
	Rename(ctx context.Context, actor vault.Actor, fileID, newName string) (*models.File, error)
	ToggleStar(ctx context.Context, actor vault.Actor, fileID string, starred bool) (*models.File, error)
	Move(ctx context.Context, actor vault.Actor, fileIDs []string, targetID *string) (int, error)
	Delete(ctx context.Context, actor vault.Actor, fileID string) error
	BatchDelete(ctx context.Context, actor vault.Actor, fileIDs []string) *vault.BatchResult
}

// QuotaReporter reports a user's quota state.
type QuotaReporter interface {
	UserUsage(ctx context.Context, userID string) (*quota.Usage, error)
}

// BackendCatalog manages the backends a user owns.
type BackendCatalog interface {
	ListForUser(ctx context.Context, userID string) ([]*models.StorageBackend, error)
	Create(ctx context.Context, scope registry.Scope, in registry.BackendInput) (*models.StorageBackend, error)
	Delete(ctx context.Context, scope registry.Scope, id string) error
	SetUserDefault(ctx context.Context, userID string, backendID *string) error
}

// Handlers serves the file API.
type Handlers struct {
	files          FileService
	quota          QuotaReporter
	backends       BackendCatalog
	maxUploadBytes int64
}

// NewHandlers creates the file handlers. maxUploadBytes 0 disables the body limit.
func NewHandlers(files FileService, quota QuotaReporter, backends BackendCatalog, maxUploadBytes int64) *Handlers {
	return &Handlers{files: files, quota: quota, backends: backends, maxUploadBytes: maxUploadBytes}
}

// Register mounts the routes on an authenticated group. upload wraps POST /files
// with extra middleware such as a stricter rate limit.
func (h *Handlers) Register(rg *gin.RouterGroup, upload ...gin.HandlerFunc) {
	rg.GET("/files", h.List)
	rg.POST("/files", append(upload, h.Upload)...)
	rg.POST("/files/folders", h.CreateFolder)
	rg.POST("/files/move", h.Move)
	rg.POST("/files/batch-delete", h.BatchDelete)
	rg.GET("/files/:id", h.Get)
	rg.GET("/files/:id/download", h.Download)
	rg.GET("/files/:id/url", h.PresignedURL)
	rg.PATCH("/files/:id", h.Update)
	rg.DELETE("/files/:id", h.Delete)

	rg.GET("/me/quota", h.Quota)
	rg.GET("/me/backends", h.ListBackends)
	rg.POST("/me/backends", h.CreateBackend)
	rg.DELETE("/me/backends/:id", h.DeleteBackend)
	rg.PUT("/me/default-backend", h.SetDefaultBackend)
}

// actor builds the acting principal from the authenticated user.
func actor(c *gin.Context) (vault.Actor, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return vault.Actor{}, false
	}
	return vault.Actor{UserID: user.ID, Role: user.Role, IP: c.ClientIP()}, true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// List returns the children of a folder or the root, or one of the tabs.
// GET /api/v1/files?parentId=&tab=all|starred|recent&sort=&order=asc|desc&limit=
func (h *Handlers) List(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	opts := vault.ListOptions{
		ParentID: optional(c.Query("parentId")),
		Tab:      c.Query("tab"),
		Sort:     c.Query("sort"),
		Desc:     c.Query("order") == "desc",
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}

	items, err := h.files.List(c.Request.Context(), a, opts)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": items, "count": len(items)})
}

// Get returns one record.
// GET /api/v1/files/:id
func (h *Handlers) Get(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	f, err := h.files.Get(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// Upload stores one file from a multipart form with fields file, parentId and
// storageBackendId.
// POST /api/v1/files
func (h *Handlers) Upload(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if h.maxUploadBytes > 0 {
		if c.Request.ContentLength > h.maxUploadBytes {
			h.tooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.tooLarge(c)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse multipart form"})
		return
	}
	defer func() {
		if c.Request.MultipartForm != nil {
			_ = c.Request.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid file upload"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	f, err := h.files.Upload(c.Request.Context(), a, vault.UploadInput{
		Name:        header.Filename,
		Size:        header.Size,
		ContentType: contentType,
		Body:        file,
		ParentID:    optional(c.PostForm("parentId")),
		BackendID:   c.PostForm("storageBackendId"),
	})
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h *Handlers) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("upload exceeds the %d byte limit", h.maxUploadBytes),
	})
}

// Download streams the stored bytes.
// GET /api/v1/files/:id/download
func (h *Handlers) Download(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	body, f, err := h.files.Download(c.Request.Context(), &a, c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	defer body.Close()

	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}),
	}
	if f.Checksum != "" {
		headers["X-Checksum-SHA256"] = f.Checksum
	}
	c.DataFromReader(http.StatusOK, f.SizeBytes, contentType, body, headers)
}

// PresignedURL returns a time-limited link to the bytes.
// GET /api/v1/files/:id/url
func (h *Handlers) PresignedURL(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	link, expires, err := h.files.PresignedURL(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	resp := gin.H{"url": link}
	if !expires.IsZero() {
		resp["expires_at"] = expires.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

type createFolderRequest struct {
	Name     string  `json:"name" binding:"required"`
	ParentID *string `json:"parentId"`
}

// CreateFolder creates an empty folder.
// POST /api/v1/files/folders
func (h *Handlers) CreateFolder(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req createFolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	f, err := h.files.CreateFolder(c.Request.Context(), a, req.Name, req.ParentID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

type updateRequest struct {
	Name    *string `json:"name"`
	Starred *bool   `json:"starred"`
}

// Update renames a record and/or sets its star.
// PATCH /api/v1/files/:id
func (h *Handlers) Update(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Name == nil && req.Starred == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update: send name or starred"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	var (
		f   *models.File
		err error
	)
	if req.Name != nil {
		if f, err = h.files.Rename(ctx, a, id, *req.Name); err != nil {
			middleware.RespondError(c, err)
			return
		}
	}
	if req.Starred != nil {
		if f, err = h.files.ToggleStar(ctx, a, id, *req.Starred); err != nil {
			middleware.RespondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, f)
}

type moveRequest struct {
	FileIDs  []string `json:"fileIds" binding:"required"`
	TargetID *string  `json:"targetFolderId"`
}

// Move relocates records under a folder, or to the root when targetFolderId is null.
// POST /api/v1/files/move
func (h *Handlers) Move(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileIds is required"})
		return
	}
	moved, err := h.files.Move(c.Request.Context(), a, req.FileIDs, req.TargetID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved_count": moved})
}

// Delete removes a record and everything below it.
// DELETE /api/v1/files/:id
func (h *Handlers) Delete(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if err := h.files.Delete(c.Request.Context(), a, c.Param("id")); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

type batchDeleteRequest struct {
	FileIDs []string `json:"fileIds" binding:"required"`
}

// BatchDelete deletes each id independently and reports per-item failures.
// POST /api/v1/files/batch-delete
func (h *Handlers) BatchDelete(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req batchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.FileIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileIds is required"})
		return
	}
	c.JSON(http.StatusOK, h.files.BatchDelete(c.Request.Context(), a, req.FileIDs))
}

// Quota reports the caller's quota, usage and remaining bytes.
// GET /api/v1/me/quota
func (h *Handlers) Quota(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	usage, err := h.quota.UserUsage(c.Request.Context(), a.UserID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// ListBackends returns the backends the caller may upload to.
// GET /api/v1/me/backends
func (h *Handlers) ListBackends(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	list, err := h.backends.ListForUser(c.Request.Context(), a.UserID)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backends": list})
}

// CreateBackend registers a backend private to the caller.
// POST /api/v1/me/backends
func (h *Handlers) CreateBackend(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var in registry.BackendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	b, err := h.backends.Create(c.Request.Context(), registry.Scope{UserID: a.UserID, IP: a.IP}, in)
	if err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// DeleteBackend removes one of the caller's backends.
// DELETE /api/v1/me/backends/:id
func (h *Handlers) DeleteBackend(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	if err := h.backends.Delete(c.Request.Context(), registry.Scope{UserID: a.UserID, IP: a.IP}, c.Param("id")); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

type defaultBackendRequest struct {
	BackendID *string `json:"storageBackendId"`
}

// SetDefaultBackend sets or clears the caller's preferred backend.
// PUT /api/v1/me/default-backend
func (h *Handlers) SetDefaultBackend(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req defaultBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.BackendID != nil && *req.BackendID == "" {
		req.BackendID = nil
	}
	if err := h.backends.SetUserDefault(c.Request.Context(), a.UserID, req.BackendID); err != nil {
		middleware.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"default_backend_id": req.BackendID})
}
