// Package handlers exposes agent host management over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/host/models"
	"github.com/kandev/agentpool/internal/host/pool"
)

// HostService is the part of the host pool the API drives.
type HostService interface {
	CreateHost(ctx context.Context, host *models.AgentHost) (*models.AgentHost, error)
	UpdateHost(ctx context.Context, id string, req pool.UpdateHostRequest) (*models.AgentHost, error)
	DeleteHost(ctx context.Context, id string) error
	GetHost(ctx context.Context, id string) (*models.AgentHost, error)
	ListHosts(ctx context.Context) ([]*models.AgentHost, error)
	Sync(ctx context.Context, host *models.AgentHost) error
	Start(ctx context.Context, host *models.AgentHost) bool
}

type Handlers struct {
	hosts  HostService
	logger *logger.Logger
}

func RegisterRoutes(router *gin.Engine, hosts HostService, log *logger.Logger) {
	h := &Handlers{
		hosts:  hosts,
		logger: log.WithFields(zap.String("component", "host-handlers")),
	}
	api := router.Group("/api/v1/hosts")
	api.GET("", h.httpList)
	api.POST("", h.httpCreate)
	api.GET("/:id", h.httpGet)
	api.PATCH("/:id", h.httpUpdate)
	api.DELETE("/:id", h.httpDelete)
	api.POST("/:id/sync", h.httpSync)
	api.POST("/:id/start", h.httpStart)
}

// HostDTO renders thresholds as Go duration strings.
type HostDTO struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Kind       models.Kind   `json:"kind"`
	Tags       []string      `json:"tags"`
	MaxSize    int           `json:"max_size"`
	Status     models.Status `json:"status"`
	Error      string        `json:"error,omitempty"`
	Config     models.Config `json:"config"`
	MaxIdle    string        `json:"max_idle"`
	MaxOffline string        `json:"max_offline"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func toDTO(h *models.AgentHost) HostDTO {
	return HostDTO{
		ID:         h.ID,
		Name:       h.Name,
		Kind:       h.Kind,
		Tags:       h.Tags,
		MaxSize:    h.MaxSize,
		Status:     h.Status,
		Error:      h.Error,
		Config:     h.Config,
		MaxIdle:    h.MaxIdle.String(),
		MaxOffline: h.MaxOffline.String(),
		CreatedAt:  h.CreatedAt,
		UpdatedAt:  h.UpdatedAt,
	}
}

type createHostRequest struct {
	Name       string        `json:"name" binding:"required"`
	Kind       models.Kind   `json:"kind" binding:"required"`
	Tags       []string      `json:"tags"`
	MaxSize    int           `json:"max_size"`
	Config     models.Config `json:"config"`
	MaxIdle    string        `json:"max_idle"`
	MaxOffline string        `json:"max_offline"`
}

type updateHostRequest struct {
	Tags       *[]string `json:"tags"`
	MaxSize    *int      `json:"max_size"`
	MaxIdle    *string   `json:"max_idle"`
	MaxOffline *string   `json:"max_offline"`
}

// parseDuration accepts an empty string as zero.
func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperrors.ValidationError(field, "must be a duration such as 30m")
	}
	return d, nil
}

func (h *Handlers) httpList(c *gin.Context) {
	hosts, err := h.hosts.ListHosts(c.Request.Context())
	if err != nil {
		h.fail(c, "failed to list hosts", err)
		return
	}
	out := make([]HostDTO, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, toDTO(host))
	}
	c.JSON(http.StatusOK, gin.H{"hosts": out, "total": len(out)})
}

func (h *Handlers) httpCreate(c *gin.Context) {
	var body createHostRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	maxIdle, err := parseDuration("max_idle", body.MaxIdle)
	if err != nil {
		h.fail(c, "invalid host", err)
		return
	}
	maxOffline, err := parseDuration("max_offline", body.MaxOffline)
	if err != nil {
		h.fail(c, "invalid host", err)
		return
	}
	host, err := h.hosts.CreateHost(c.Request.Context(), &models.AgentHost{
		Name:       body.Name,
		Kind:       body.Kind,
		Tags:       body.Tags,
		MaxSize:    body.MaxSize,
		Config:     body.Config,
		MaxIdle:    maxIdle,
		MaxOffline: maxOffline,
	})
	if err != nil {
		h.fail(c, "failed to create host", err)
		return
	}
	c.JSON(http.StatusCreated, toDTO(host))
}

func (h *Handlers) httpGet(c *gin.Context) {
	host, err := h.hosts.GetHost(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "failed to get host", err)
		return
	}
	c.JSON(http.StatusOK, toDTO(host))
}

func (h *Handlers) httpUpdate(c *gin.Context) {
	var body updateHostRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req := pool.UpdateHostRequest{Tags: body.Tags, MaxSize: body.MaxSize}
	for _, f := range []struct {
		field string
		raw   *string
		dst   **time.Duration
	}{
		{"max_idle", body.MaxIdle, &req.MaxIdle},
		{"max_offline", body.MaxOffline, &req.MaxOffline},
	} {
		if f.raw == nil {
			continue
		}
		d, err := parseDuration(f.field, *f.raw)
		if err != nil {
			h.fail(c, "invalid host update", err)
			return
		}
		*f.dst = &d
	}

	host, err := h.hosts.UpdateHost(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, "failed to update host", err)
		return
	}
	c.JSON(http.StatusOK, toDTO(host))
}

func (h *Handlers) httpDelete(c *gin.Context) {
	if err := h.hosts.DeleteHost(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "failed to delete host", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// httpSync removes containers the host runs without an agent record.
func (h *Handlers) httpSync(c *gin.Context) {
	ctx := c.Request.Context()
	host, err := h.hosts.GetHost(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "failed to get host", err)
		return
	}
	if err := h.hosts.Sync(ctx, host); err != nil {
		h.fail(c, "failed to sync host", apperrors.InternalError("sync failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// httpStart brings up one agent on the host. 503 when the host is full or unreachable.
func (h *Handlers) httpStart(c *gin.Context) {
	ctx := c.Request.Context()
	host, err := h.hosts.GetHost(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "failed to get host", err)
		return
	}
	if !h.hosts.Start(ctx, host) {
		h.fail(c, "no agent started", apperrors.NotAvailable("host "+host.Name+" could not start an agent"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

func (h *Handlers) fail(c *gin.Context, msg string, err error) {
	httpmw.RespondError(c, h.logger, msg, err)
}
