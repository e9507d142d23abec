// Package handlers exposes agent administration over HTTP.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/agent/registry"
	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
)

// AgentService is the part of the registry the API drives.
type AgentService interface {
	Create(ctx context.Context, req registry.CreateRequest) (*models.Agent, error)
	Get(ctx context.Context, id string) (*models.Agent, error)
	ListByTags(ctx context.Context, selector []string) ([]*models.Agent, error)
	SetTags(ctx context.Context, id string, tags []string) (*models.Agent, error)
	Delete(ctx context.Context, id string) error
}

type Handlers struct {
	agents AgentService
	logger *logger.Logger
}

func RegisterRoutes(router *gin.Engine, agents AgentService, log *logger.Logger) {
	h := &Handlers{
		agents: agents,
		logger: log.WithFields(zap.String("component", "agent-handlers")),
	}
	api := router.Group("/api/v1/agents")
	api.GET("", h.httpList)
	api.POST("", h.httpCreate)
	api.GET("/:id", h.httpGet)
	api.PUT("/:id/tags", h.httpSetTags)
	api.DELETE("/:id", h.httpDelete)
}

// AgentDTO is an agent as shown to operators. The token is only revealed on creation.
type AgentDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Token           string          `json:"token,omitempty"`
	Tags            []string        `json:"tags"`
	Status          models.Status   `json:"status"`
	JobID           string          `json:"job_id,omitempty"`
	HostID          string          `json:"host_id,omitempty"`
	URL             string          `json:"url,omitempty"`
	OS              string          `json:"os,omitempty"`
	Resource        models.Resource `json:"resource"`
	StatusChangedAt time.Time       `json:"status_changed_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toDTO(a *models.Agent) AgentDTO {
	return AgentDTO{
		ID:              a.ID,
		Name:            a.Name,
		Tags:            a.Tags,
		Status:          a.Status,
		JobID:           a.JobID,
		HostID:          a.HostID,
		URL:             a.URL,
		OS:              a.OS,
		Resource:        a.Resource,
		StatusChangedAt: a.StatusChangedAt,
		CreatedAt:       a.CreatedAt,
	}
}

type createAgentRequest struct {
	Name string   `json:"name" binding:"required"`
	Tags []string `json:"tags"`
}

type setTagsRequest struct {
	Tags []string `json:"tags"`
}

func (h *Handlers) httpList(c *gin.Context) {
	var selector []string
	if raw := c.Query("tags"); raw != "" {
		selector = strings.Split(raw, ",")
	}
	agents, err := h.agents.ListByTags(c.Request.Context(), models.NormalizeTags(selector))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to list agents", err)
		return
	}
	out := make([]AgentDTO, 0, len(agents))
	for _, a := range agents {
		out = append(out, toDTO(a))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "total": len(out)})
}

func (h *Handlers) httpCreate(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.agents.Create(c.Request.Context(), registry.CreateRequest{Name: body.Name, Tags: body.Tags})
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to create agent", err)
		return
	}
	resp := toDTO(agent)
	resp.Token = agent.Token
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) httpGet(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to get agent", err)
		return
	}
	c.JSON(http.StatusOK, toDTO(agent))
}

func (h *Handlers) httpSetTags(c *gin.Context) {
	var body setTagsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	agent, err := h.agents.SetTags(c.Request.Context(), c.Param("id"), body.Tags)
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to update agent tags", err)
		return
	}
	c.JSON(http.StatusOK, toDTO(agent))
}

func (h *Handlers) httpDelete(c *gin.Context) {
	if err := h.agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, h.logger, "failed to delete agent", err)
		return
	}
	c.Status(http.StatusNoContent)
}
