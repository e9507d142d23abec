// Package liveness tracks agent connections. Each agent keeps one websocket
// open to the pool; the connection's lifetime is the agent's ONLINE window.
package liveness

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events/bus"
)

// TokenHeader carries the agent's secret token on the upgrade request.
const TokenHeader = "X-Agent-Token"

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; authentication is the token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// AgentDirectory resolves tokens and stores resource snapshots.
type AgentDirectory interface {
	GetByToken(ctx context.Context, token string) (*models.Agent, error)
	UpdateResource(ctx context.Context, agentID string, res models.Resource) error
}

// Handler accepts agent connections.
type Handler struct {
	agents   AgentDirectory
	coord    coordination.Coordinator
	bus      bus.EventBus
	instance string
	logger   *logger.Logger
}

// NewHandler creates the handler. instance is written into each online node;
// empty falls back to coordination.DefaultInstanceID.
func NewHandler(agents AgentDirectory, coord coordination.Coordinator, eventBus bus.EventBus, instance string, log *logger.Logger) *Handler {
	if instance == "" {
		instance = coordination.DefaultInstanceID()
	}
	return &Handler{
		agents:   agents,
		coord:    coord,
		bus:      eventBus,
		instance: instance,
		logger:   log.WithFields(zap.String("component", "agent-liveness")),
	}
}

// RegisterRoutes mounts the connect endpoint.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/v1/agents/connect", h.HandleConnection)
}

// HandleConnection authenticates the agent, claims its online node and runs
// the session until the socket closes. A second connection for an agent that
// is already online is refused.
func (h *Handler) HandleConnection(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.GetHeader(TokenHeader)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing agent token"})
		return
	}
	agent, err := h.agents.GetByToken(ctx, token)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown agent token"})
			return
		}
		httpmw.RespondError(c, h.logger, "failed to resolve agent token", err)
		return
	}

	key := coordination.AgentOnlineKey(agent.ID)
	created, err := h.coord.CreateEphemeral(ctx, key, []byte(h.instance))
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to register agent connection", apperrors.InternalError("coordination failed", err))
		return
	}
	if !created {
		c.JSON(http.StatusConflict, gin.H{"error": "agent already connected"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade agent connection", zap.String("agent_id", agent.ID), zap.Error(err))
		h.release(ctx, key)
		return
	}

	log := h.logger.WithAgentID(agent.ID)
	log.Debug("agent socket open", zap.String("remote_addr", c.Request.RemoteAddr))

	s := newSession(agent.ID, conn, h, log)
	go s.writePump()
	s.readPump(context.WithoutCancel(ctx))

	h.release(ctx, key)
}

func (h *Handler) release(ctx context.Context, key string) {
	if err := h.coord.Delete(context.WithoutCancel(ctx), key); err != nil {
		h.logger.Warn("failed to delete online node", zap.String("key", key), zap.Error(err))
	}
}
