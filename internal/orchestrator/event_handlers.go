package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
)

func (s *Service) subscribe() ([]bus.Subscription, error) {
	idle, err := events.Subscribe(s.bus, events.AgentIdle, s.handleAgentIdle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", events.AgentIdle, err)
	}
	status, err := events.Subscribe(s.bus, events.AgentStatus, s.handleAgentStatus)
	if err != nil {
		_ = idle.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", events.AgentStatus, err)
	}
	stop, err := events.Subscribe(s.bus, events.StopWaiting, s.handleStopWaiting)
	if err != nil {
		_ = idle.Unsubscribe()
		_ = status.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", events.StopWaiting, err)
	}
	return []bus.Subscription{idle, status, stop}, nil
}

// handleAgentIdle wakes the pipeline the agent was released from and every
// pipeline waiting for an agent with its tags.
func (s *Service) handleAgentIdle(_ context.Context, e events.AgentIdleEvent) error {
	if pipelineID, ok := s.pipelineOf(e.JobID); ok {
		s.waiters.notify(pipelineID)
		s.released(e.JobID)
	}
	if n := s.waiters.notifyMatching(e.Tags); n > 0 {
		s.logger.Debug("woke waiters for idle agent", zap.String("agent_id", e.AgentID), zap.Int("pipelines", n))
	}
	return nil
}

// handleAgentStatus covers agents that become IDLE without a released job:
// fresh connections and tag changes.
func (s *Service) handleAgentStatus(_ context.Context, e events.AgentStatusEvent) error {
	if e.Agent.Status != agentmodels.StatusIdle {
		return nil
	}
	if n := s.waiters.notifyMatching(e.Agent.Tags); n > 0 {
		s.logger.Debug("woke waiters for available agent", zap.String("agent_id", e.Agent.ID), zap.Int("pipelines", n))
	}
	return nil
}

func (s *Service) handleStopWaiting(_ context.Context, e events.StopWaitingEvent) error {
	s.StopWaiting(e.PipelineID)
	return nil
}
