// Package events defines the typed events exchanged between the registry,
// the host pool and the orchestrator.
package events

import (
	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	hostmodels "github.com/kandev/agentpool/internal/host/models"
)

// Subjects. The event type of every event equals its subject.
const (
	AgentCreated      = "agent.created"
	AgentStatus       = "agent.status"
	AgentIdle         = "agent.idle"
	AgentDeleted      = "agent.deleted"
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"

	NoIdleAgent = "job.no_idle_agent"
	StopWaiting = "pipeline.stop_waiting"

	AgentHostStatus = "host.status"
)

// AgentCreatedEvent is published after a new agent record is stored.
type AgentCreatedEvent struct {
	Agent agentmodels.Agent `json:"agent"`
}

// AgentStatusEvent is published on every status or tag change.
type AgentStatusEvent struct {
	Agent    agentmodels.Agent  `json:"agent"`
	Previous agentmodels.Status `json:"previous"`
}

// AgentIdleEvent is published when a released agent becomes IDLE.
// JobID is the job the agent was released from.
type AgentIdleEvent struct {
	AgentID string   `json:"agent_id"`
	JobID   string   `json:"job_id"`
	Tags    []string `json:"tags"`
}

// AgentDeletedEvent carries the removed record so subscribers can clean up after it.
type AgentDeletedEvent struct {
	Agent agentmodels.Agent `json:"agent"`
}

// AgentConnectedEvent is raised by the liveness endpoint once an agent sent its init payload.
type AgentConnectedEvent struct {
	AgentID string                `json:"agent_id"`
	Init    agentmodels.AgentInit `json:"init"`
}

type AgentDisconnectedEvent struct {
	AgentID string `json:"agent_id"`
}

// NoIdleAgentEvent asks the host pool to provision an agent for the selector.
type NoIdleAgentEvent struct {
	JobID    string   `json:"job_id"`
	FlowID   string   `json:"flow_id"`
	Selector []string `json:"selector"`
}

// StopWaitingEvent cancels every allocation wait of a pipeline.
type StopWaitingEvent struct {
	PipelineID string `json:"pipeline_id"`
}

// AgentHostStatusEvent is published when a host switches between connected and disconnected.
type AgentHostStatusEvent struct {
	HostID string            `json:"host_id"`
	Name   string            `json:"name"`
	Status hostmodels.Status `json:"status"`
	Error  string            `json:"error,omitempty"`
}
