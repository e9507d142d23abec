package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/httpmw"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
)

const eventSource = "orchestrator-api"

type Handlers struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// RegisterRoutes mounts pipeline control endpoints. Commands go through the
// event bus so waiters on every instance see them.
func RegisterRoutes(router *gin.Engine, eventBus bus.EventBus, log *logger.Logger) {
	h := &Handlers{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "orchestrator-handlers")),
	}
	api := router.Group("/api/v1/pipelines")
	api.POST("/:id/stop-waiting", h.httpStopWaiting)
}

func (h *Handlers) httpStopWaiting(c *gin.Context) {
	pipelineID := c.Param("id")
	err := events.Publish(c.Request.Context(), h.bus, eventSource, events.StopWaiting,
		events.StopWaitingEvent{PipelineID: pipelineID})
	if err != nil {
		httpmw.RespondError(c, h.logger, "failed to stop waiting", apperrors.InternalError("publish failed", err))
		return
	}
	h.logger.Info("stop waiting requested", zap.String("pipeline_id", pipelineID))
	c.JSON(http.StatusAccepted, gin.H{"pipeline_id": pipelineID})
}
