package secrets

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
)

// Handler exposes secret management over HTTP. Values are write-only.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// RegisterRoutes mounts the secret endpoints under /api/v1/secrets.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := &Handler{service: svc, logger: log}
	api := router.Group("/api/v1/secrets")
	api.POST("", h.httpCreate)
	api.GET("", h.httpList)
	api.DELETE("/:id", h.httpDelete)
}

func (h *Handler) httpCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	secret, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, "failed to create secret", err)
		return
	}
	c.JSON(http.StatusCreated, secret)
}

func (h *Handler) httpList(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		h.fail(c, "failed to list secrets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secrets": items, "total": len(items)})
}

func (h *Handler) httpDelete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "failed to delete secret", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	httpmw.RespondError(c, h.logger, msg, err)
}
