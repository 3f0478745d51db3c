package handlers

import (
	"net/http"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/services"
	"github.com/gin-gonic/gin"
)

// UserIDHeader carries the caller identity set by the gateway after
// authentication.
const UserIDHeader = "X-User-Id"

type UploadHandler struct {
	initializer services.UploadInitializer
	completion  services.CompletionCoordinator
	external    services.ExternalCompletionCoordinator
	sessions    services.SessionService
	limits      config.UploadLimits

	logger logger.Logger
}

func NewUploadHandler(
	initializer services.UploadInitializer,
	completion services.CompletionCoordinator,
	external services.ExternalCompletionCoordinator,
	sessions services.SessionService,
	limits config.UploadLimits,
	l logger.Logger,
) *UploadHandler {
	return &UploadHandler{
		initializer: initializer,
		completion:  completion,
		external:    external,
		sessions:    sessions,
		limits:      limits,
		logger:      l,
	}
}

func (h *UploadHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/uploads")
	g.POST("", h.Initialize)
	g.GET("/:uploadId", h.GetStatus)
	g.POST("/:uploadId/complete", h.Complete)
	g.POST("/:uploadId/complete/external", h.CompleteExternal)
}

func (h *UploadHandler) scope(c *gin.Context) services.RequestScope {
	return services.NewRequestScope(c.GetHeader(UserIDHeader), h.limits)
}

// POST /uploads
func (h *UploadHandler) Initialize(c *gin.Context) {
	var req models.InitializeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	resp, err := h.initializer.Initialize(c.Request.Context(), h.scope(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// POST /uploads/:uploadId/complete
func (h *UploadHandler) Complete(c *gin.Context) {
	var req models.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	req.UploadId = c.Param("uploadId")

	resp, err := h.completion.Complete(c.Request.Context(), h.scope(c), req)
	h.writeCompletion(c, resp, err)
}

// POST /uploads/:uploadId/complete/external
func (h *UploadHandler) CompleteExternal(c *gin.Context) {
	var req models.CompleteExternalUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	req.UploadId = c.Param("uploadId")

	resp, err := h.external.CompleteExternal(c.Request.Context(), h.scope(c), req)
	h.writeCompletion(c, resp, err)
}

// GET /uploads/:uploadId?assetId=
func (h *UploadHandler) GetStatus(c *gin.Context) {
	status, err := h.sessions.GetUploadStatus(c.Request.Context(), c.Param("uploadId"), c.Query("assetId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// writeCompletion returns the per-file results even when every file failed,
// so the client can see why.
func (h *UploadHandler) writeCompletion(c *gin.Context, resp *models.CompleteUploadResponse, err error) {
	if err != nil && resp != nil && apperror.KindOf(err) == apperror.KindConflict {
		c.JSON(http.StatusConflict, resp)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *UploadHandler) writeError(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("upload request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
