package pool

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/agent/registry"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
)

// Environment handed to agent containers.
const (
	EnvServerURL  = "AGENTPOOL_SERVER_URL"
	EnvAgentToken = "AGENTPOOL_AGENT_TOKEN"
	EnvAgentName  = "AGENTPOOL_AGENT_NAME"
)

// Provision tries every host whose tags satisfy selector until one of them
// brings up an agent.
func (p *Pool) Provision(ctx context.Context, selector []string) bool {
	hosts, err := p.hosts.List(ctx)
	if err != nil {
		p.logger.Warn("failed to list hosts for provisioning", zap.Error(err))
		return false
	}
	for _, h := range hosts {
		if !h.Fulfills(selector) {
			continue
		}
		if p.Start(ctx, h) {
			return true
		}
	}
	p.logger.Debug("no host could provision an agent", zap.Strings("selector", selector))
	return false
}

// provisionAsync runs Provision in the background. Requests for a selector
// already being provisioned join the running attempt.
func (p *Pool) provisionAsync(selector []string) {
	selector = agentmodels.NormalizeTags(selector)
	key := strings.Join(selector, ",")
	p.goBackground(func(ctx context.Context) {
		_, _, _ = p.provisions.Do(key, func() (any, error) {
			return p.Provision(ctx, selector), nil
		})
	})
}

// Start brings up one agent on host: it resumes or restarts an offline agent
// first and creates a new one only below MaxSize. It reports whether an agent
// is on its way.
func (p *Pool) Start(ctx context.Context, host *models.AgentHost) (started bool) {
	hostID := host.ID
	ctx, span := p.tracer.Start(ctx, "pool.Start")
	defer func() {
		tracing.End(span, nil, attribute.String("host.id", hostID), attribute.Bool("started", started))
	}()
	log := p.logger.WithHostID(hostID)

	mu := p.hostLock(hostID)
	mu.Lock()
	defer mu.Unlock()

	unlock, err := p.coord.Lock(ctx, coordination.HostProvisionKey(hostID), p.config.LockTimeout)
	if err != nil {
		log.Debug("provision lock not acquired", zap.Error(err))
		return false
	}
	defer unlock()

	// The host may have changed or gone while we waited for the lock.
	host, err = p.hosts.Get(ctx, hostID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			log.Warn("failed to reload host", zap.Error(err))
		}
		return false
	}

	c, release, err := p.cache.Acquire(ctx, host)
	if err != nil {
		log.Warn("host client unavailable", zap.Error(err))
		return false
	}
	defer release()

	agents, err := p.agents.ListByHost(ctx, host.ID)
	if err != nil {
		log.Warn("failed to list host agents", zap.Error(err))
		return false
	}

	remaining := len(agents)
	for _, a := range agents {
		if !a.IsOffline() {
			continue
		}
		if p.revive(ctx, c, host, a) {
			return true
		}
		if err := p.agents.Delete(ctx, a.ID); err != nil && !apperrors.IsNotFound(err) {
			log.Warn("failed to delete unrecoverable agent", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		remaining--
	}

	if remaining >= host.MaxSize {
		log.Debug("host at capacity", zap.Int("agents", remaining), zap.Int("max_size", host.MaxSize))
		return false
	}
	return p.createAgent(ctx, c, host)
}

// revive resumes the container of an offline agent or, failing that, starts
// a fresh one under the same name.
func (p *Pool) revive(ctx context.Context, c docker.ContainerClient, host *models.AgentHost, agent *agentmodels.Agent) bool {
	log := p.logger.WithHostID(host.ID).WithAgentID(agent.ID)

	err := c.Resume(ctx, agent.Name)
	if err == nil {
		log.Info("agent container resumed", zap.String("name", agent.Name))
		return true
	}
	if !errors.Is(err, docker.ErrNotFound) {
		log.Debug("resume failed, starting fresh container", zap.Error(err))
	}

	if _, err := c.Start(ctx, p.containerOptions(host, agent)); err != nil {
		log.Warn("failed to restart agent container", zap.String("name", agent.Name), zap.Error(err))
		return false
	}
	log.Info("agent container restarted", zap.String("name", agent.Name))
	return true
}

func (p *Pool) createAgent(ctx context.Context, c docker.ContainerClient, host *models.AgentHost) bool {
	log := p.logger.WithHostID(host.ID)
	name := host.AgentPrefix() + uuid.New().String()[:8]

	agent, err := p.agents.Create(ctx, registry.CreateRequest{
		Name:   name,
		Tags:   host.Tags,
		HostID: host.ID,
	})
	if err != nil {
		log.Warn("failed to create agent", zap.String("name", name), zap.Error(err))
		return false
	}

	if _, err := c.Start(ctx, p.containerOptions(host, agent)); err != nil {
		log.Warn("failed to start agent container, rolling back", zap.String("name", name), zap.Error(err))
		if derr := p.agents.Delete(ctx, agent.ID); derr != nil {
			log.Error("failed to roll back agent", zap.String("agent_id", agent.ID), zap.Error(derr))
		}
		return false
	}

	log.Info("agent provisioned", zap.String("agent_id", agent.ID), zap.String("name", name))
	return true
}

func (p *Pool) containerOptions(host *models.AgentHost, agent *agentmodels.Agent) docker.StartOptions {
	return docker.StartOptions{
		Name:  agent.Name,
		Image: p.config.AgentImage,
		Env: []string{
			EnvServerURL + "=" + p.config.ServerURL,
			EnvAgentToken + "=" + agent.Token,
			EnvAgentName + "=" + agent.Name,
		},
		Labels: map[string]string{
			docker.LabelHost:  host.ID,
			docker.LabelAgent: agent.ID,
		},
		Network: p.config.Network,
	}
}
