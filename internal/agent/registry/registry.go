// Package registry owns agent records: creation and lookup, the status
// machine driven by agent liveness, and the lock protocol that hands an
// idle agent to exactly one job.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/agent/store"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
)

const (
	eventSource  = "agent-registry"
	queueName    = "agent-registry"
	onlineSuffix = "/online"
)

// Config holds registry settings.
type Config struct {
	// LockTimeout bounds how long TryLock waits for the per-agent lock.
	LockTimeout    time.Duration
	TokenCacheSize int64
	// InstanceID is written into the online nodes of sessions served by this
	// process. It must survive restarts (hostname by default).
	InstanceID string
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		LockTimeout:    5 * time.Second,
		TokenCacheSize: 10000,
	}
}

// CreateRequest describes a new agent.
type CreateRequest struct {
	Name   string
	Tags   []string
	HostID string
}

// Registry manages agent records.
type Registry struct {
	store  store.Repository
	coord  coordination.Coordinator
	bus    bus.EventBus
	tokens *ristretto.Cache[string, string]
	logger *logger.Logger
	tracer trace.Tracer
	config Config

	subs      []bus.Subscription
	stopWatch func()
}

// NewRegistry creates a registry.
func NewRegistry(repo store.Repository, coord coordination.Coordinator, eventBus bus.EventBus, cfg Config, log *logger.Logger) (*Registry, error) {
	if cfg.TokenCacheSize <= 0 {
		cfg.TokenCacheSize = DefaultConfig().TokenCacheSize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = coordination.DefaultInstanceID()
	}
	tokens, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: cfg.TokenCacheSize * 10,
		MaxCost:     cfg.TokenCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &Registry{
		store:  repo,
		coord:  coord,
		bus:    eventBus,
		tokens: tokens,
		logger: log.WithFields(zap.String("component", "agent-registry")),
		tracer: tracing.Tracer("agent-registry"),
		config: cfg,
	}, nil
}

// Start subscribes to liveness events. Only one instance handles each event.
func (r *Registry) Start(ctx context.Context) error {
	connected, err := events.QueueSubscribe(r.bus, events.AgentConnected, queueName,
		func(ctx context.Context, e events.AgentConnectedEvent) error {
			_, err := r.OnConnected(ctx, e.AgentID, e.Init)
			return err
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.AgentConnected, err)
	}
	disconnected, err := events.QueueSubscribe(r.bus, events.AgentDisconnected, queueName,
		func(ctx context.Context, e events.AgentDisconnectedEvent) error {
			return r.OnDisconnected(ctx, e.AgentID)
		})
	if err != nil {
		_ = connected.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", events.AgentDisconnected, err)
	}
	r.subs = append(r.subs, connected, disconnected)

	stop, err := r.coord.Watch(ctx, onlineSuffix, r.onOnlineNodeRemoved)
	if err != nil {
		_ = connected.Unsubscribe()
		_ = disconnected.Unsubscribe()
		r.subs = nil
		return fmt.Errorf("watch online nodes: %w", err)
	}
	r.stopWatch = stop
	return nil
}

// Stop drops subscriptions and the token cache.
func (r *Registry) Stop() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	r.tokens.Close()
}

// Create stores a new OFFLINE agent with a fresh token.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*models.Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}

	agent := &models.Agent{
		Name:   name,
		Token:  uuid.New().String(),
		Tags:   models.NormalizeTags(req.Tags),
		Status: models.StatusOffline,
		HostID: req.HostID,
	}
	if err := r.store.Create(ctx, agent); err != nil {
		return nil, err
	}

	r.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("host_id", agent.HostID))
	r.publish(ctx, events.AgentCreated, events.AgentCreatedEvent{Agent: agent.Public()})
	return agent, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	return r.store.GetByName(ctx, name)
}

// GetByToken resolves an agent from its secret token. Token to id mappings are cached.
func (r *Registry) GetByToken(ctx context.Context, token string) (*models.Agent, error) {
	if id, ok := r.tokens.Get(token); ok {
		agent, err := r.store.Get(ctx, id)
		if err == nil && agent.Token == token {
			return agent, nil
		}
		r.tokens.Del(token)
	}

	agent, err := r.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	r.tokens.Set(token, agent.ID, 1)
	return agent, nil
}

func (r *Registry) List(ctx context.Context) ([]*models.Agent, error) {
	return r.store.List(ctx)
}

func (r *Registry) ListByHost(ctx context.Context, hostID string) ([]*models.Agent, error) {
	return r.store.ListByHost(ctx, hostID)
}

// ListByTags returns agents carrying every tag of selector. An empty selector matches all.
func (r *Registry) ListByTags(ctx context.Context, selector []string) ([]*models.Agent, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Agent, 0, len(all))
	for _, a := range all {
		if a.Fulfills(selector) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SetTags replaces the tags of an agent.
func (r *Registry) SetTags(ctx context.Context, id string, tags []string) (*models.Agent, error) {
	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	agent.Tags = models.NormalizeTags(tags)
	if err := r.store.Update(ctx, agent); err != nil {
		return nil, err
	}
	r.publish(ctx, events.AgentStatus, events.AgentStatusEvent{Agent: agent.Public(), Previous: agent.Status})
	return agent, nil
}

// Delete removes an agent and its coordination nodes. The host pool removes
// the container when it sees AgentDeletedEvent.
func (r *Registry) Delete(ctx context.Context, id string) error {
	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.tokens.Del(agent.Token)

	for _, key := range []string{coordination.AgentLockKey(id), coordination.AgentOnlineKey(id)} {
		if err := r.coord.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to delete coordination node", zap.String("key", key), zap.Error(err))
		}
	}

	r.logger.Info("agent deleted", zap.String("agent_id", id), zap.String("name", agent.Name))
	r.publish(ctx, events.AgentDeleted, events.AgentDeletedEvent{Agent: agent.Public()})
	return nil
}

// TryLock assigns the agent to jobID if it is not BUSY. It returns nil
// without error when the agent is busy or the lock cannot be taken in time.
func (r *Registry) TryLock(ctx context.Context, jobID, agentID string) (agent *models.Agent, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.TryLock")
	defer func() {
		tracing.End(span, err, attribute.String("agent.id", agentID), attribute.Bool("locked", agent != nil))
	}()

	current, err := r.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current.IsBusy() {
		return nil, nil
	}

	unlock, lockErr := r.coord.Lock(ctx, coordination.AgentLockKey(agentID), r.config.LockTimeout)
	if lockErr != nil {
		r.logger.Debug("agent lock not acquired",
			zap.String("agent_id", agentID),
			zap.String("job_id", jobID),
			zap.Error(lockErr))
		return nil, nil
	}
	defer unlock()

	// Another instance may have taken the agent between the first read and the lock.
	current, err = r.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current.IsBusy() {
		return nil, nil
	}

	current.JobID = jobID
	if err := r.updateStatus(ctx, current, models.StatusBusy, ""); err != nil {
		return nil, err
	}

	r.logger.Info("agent locked", zap.String("agent_id", agentID), zap.String("job_id", jobID))
	return current, nil
}

// TryRelease detaches the job from the agent. A BUSY agent becomes IDLE and
// wakes allocation waiters. Releasing an IDLE, OFFLINE or deleted agent is a no-op.
func (r *Registry) TryRelease(ctx context.Context, agentID string) error {
	unlock, lockErr := r.coord.Lock(ctx, coordination.AgentLockKey(agentID), r.config.LockTimeout)
	if lockErr != nil {
		r.logger.Warn("releasing agent without lock", zap.String("agent_id", agentID), zap.Error(lockErr))
	} else {
		defer unlock()
	}

	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	releasedJob := agent.JobID
	agent.JobID = ""

	switch agent.Status {
	case models.StatusBusy:
		err = r.updateStatus(ctx, agent, models.StatusIdle, releasedJob)
	default:
		if releasedJob == "" {
			return nil
		}
		err = r.store.Update(ctx, agent)
	}
	if err != nil {
		return err
	}

	r.logger.Info("agent released", zap.String("agent_id", agentID), zap.String("job_id", releasedJob))
	return nil
}

// OnConnected applies the init payload of a freshly connected agent. The agent
// takes the status it reports; BUSY is only restored while a job is attached.
func (r *Registry) OnConnected(ctx context.Context, agentID string, init models.AgentInit) (*models.Agent, error) {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	agent.OS = init.OS
	agent.URL = init.URL
	agent.Resource = init.Resource

	target := init.Status
	if !target.Valid() || target == models.StatusOffline {
		target = models.StatusIdle
	}
	if target == models.StatusBusy && !agent.HasJob() {
		target = models.StatusIdle
	}

	releasedJob := ""
	if target == models.StatusIdle && agent.HasJob() {
		releasedJob = agent.JobID
		agent.JobID = ""
	}

	if err := r.updateStatus(ctx, agent, target, releasedJob); err != nil {
		return nil, err
	}
	r.logger.Info("agent connected", zap.String("agent_id", agentID), zap.String("status", string(target)))
	return agent, nil
}

// OnDisconnected forces the agent OFFLINE and detaches its job.
func (r *Registry) OnDisconnected(ctx context.Context, agentID string) error {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	agent.JobID = ""
	if err := r.updateStatus(ctx, agent, models.StatusOffline, ""); err != nil {
		return err
	}
	r.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	return nil
}

// UpdateResource stores a fresh resource snapshot without touching the status.
func (r *Registry) UpdateResource(ctx context.Context, agentID string, res models.Resource) error {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Resource = res
	return r.store.Update(ctx, agent)
}

// Recover runs at process start: agents left IDLE or BUSY by a previous run are
// forced OFFLINE. An online node written by another instance means that
// instance still serves the session; a node carrying our own instance id is
// left over from before the restart and is removed.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	agents, err := r.store.ListByStatus(ctx, models.StatusIdle, models.StatusBusy)
	if err != nil {
		return 0, err
	}

	var errs *multierror.Error
	recovered := 0
	for _, agent := range agents {
		key := coordination.AgentOnlineKey(agent.ID)
		owner, online, err := r.coord.Get(ctx, key)
		if err != nil {
			r.logger.Warn("failed to check agent liveness", zap.String("agent_id", agent.ID), zap.Error(err))
		}
		if online && string(owner) != r.config.InstanceID {
			continue
		}
		if online {
			if err := r.coord.Delete(ctx, key); err != nil {
				r.logger.Warn("failed to delete stale online node", zap.String("key", key), zap.Error(err))
			}
		}
		agent.JobID = ""
		if err := r.updateStatus(ctx, agent, models.StatusOffline, ""); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
			continue
		}
		recovered++
	}

	r.logger.Info("agent status recovered", zap.Int("forced_offline", recovered))
	return recovered, errs.ErrorOrNil()
}

// onOnlineNodeRemoved turns a vanished online node into a disconnect. Nodes
// expire when the instance holding the session dies without closing it.
func (r *Registry) onOnlineNodeRemoved(key string) {
	agentID, ok := strings.CutPrefix(strings.TrimSuffix(key, onlineSuffix), "agents/")
	if !ok || agentID == "" {
		return
	}
	ctx := context.Background()
	// The agent may already have reconnected.
	if online, err := r.coord.Exists(ctx, key); err != nil || online {
		return
	}
	r.publish(ctx, events.AgentDisconnected, events.AgentDisconnectedEvent{AgentID: agentID})
}

// updateStatus persists the transition and publishes it. releasedJob is the
// job an agent becoming IDLE was detached from; it triggers AgentIdleEvent.
func (r *Registry) updateStatus(ctx context.Context, agent *models.Agent, status models.Status, releasedJob string) error {
	previous := agent.Status
	if previous != status {
		agent.Status = status
		agent.StatusChangedAt = time.Now().UTC()
	}
	if err := r.store.Update(ctx, agent); err != nil {
		return err
	}

	if previous != status {
		r.publish(ctx, events.AgentStatus, events.AgentStatusEvent{Agent: agent.Public(), Previous: previous})
	}
	if status == models.StatusIdle && releasedJob != "" {
		r.publish(ctx, events.AgentIdle, events.AgentIdleEvent{
			AgentID: agent.ID,
			JobID:   releasedJob,
			Tags:    agent.Tags,
		})
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, subject string, payload any) {
	if err := events.Publish(ctx, r.bus, eventSource, subject, payload); err != nil {
		r.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
