// Package orchestrator hands agents to jobs. It composes the agent registry,
// per-job affinity and the host pool's provisioning trigger:
//
//   - Acquire scans for an idle agent matching the job's selector and blocks
//     on the pipeline's wait handle until an agent frees up or shows up
//   - Dispatch keeps sequential steps of a sub-flow on one agent and keeps
//     parallel siblings apart
//   - Complete releases every agent a job held
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/agent/affinity"
	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
	v1 "github.com/kandev/agentpool/pkg/api/v1"
)

const eventSource = "orchestrator"

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// ServiceConfig holds orchestrator configuration
type ServiceConfig struct {
	// RetryInterval bounds one wait for an agent before rescanning.
	RetryInterval time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{RetryInterval: 10 * time.Second}
}

// AgentRegistry is the part of the agent registry allocation needs.
type AgentRegistry interface {
	Get(ctx context.Context, id string) (*agentmodels.Agent, error)
	ListByTags(ctx context.Context, selector []string) ([]*agentmodels.Agent, error)
	TryLock(ctx context.Context, jobID, agentID string) (*agentmodels.Agent, error)
	TryRelease(ctx context.Context, agentID string) error
}

// CanContinue reports whether the job still wants an agent.
type CanContinue func(jobID string) bool

// Service allocates agents to jobs.
type Service struct {
	registry AgentRegistry
	bus      bus.EventBus
	trackers *affinity.Trackers
	waiters  *waiters
	config   ServiceConfig
	logger   *logger.Logger
	tracer   trace.Tracer

	jobsMu sync.RWMutex
	jobs   map[string]*jobEntry

	mu      sync.Mutex
	running bool
	subs    []bus.Subscription
}

// NewService creates an orchestrator
func NewService(registry AgentRegistry, eventBus bus.EventBus, cfg ServiceConfig, log *logger.Logger) *Service {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultServiceConfig().RetryInterval
	}
	return &Service{
		registry: registry,
		bus:      eventBus,
		trackers: affinity.NewTrackers(),
		waiters:  newWaiters(),
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		tracer:   tracing.Tracer("orchestrator"),
		jobs:     make(map[string]*jobEntry),
	}
}

// Start subscribes to the events that wake blocked allocations. Every instance
// receives them since waiters are local to the instance.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}
	subs, err := s.subscribe()
	if err != nil {
		return err
	}
	s.subs = subs
	s.running = true
	s.logger.Info("orchestrator started", zap.Duration("retry_interval", s.config.RetryInterval))
	return nil
}

// Stop drops the subscriptions. Blocked allocations keep polling.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrServiceNotRunning
	}
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.running = false
	s.logger.Info("orchestrator stopped")
	return nil
}

// Acquire returns an idle agent matching job's selector, locked for the job.
// It blocks until one is found, canContinue turns false, the pipeline stops
// waiting or ctx is done. Only the last case returns an error.
//
// Callers that use Acquire without Dispatch should still call Complete when
// the job ends if an agent may have gone offline while held.
func (s *Service) Acquire(ctx context.Context, job v1.Job, canContinue CanContinue) (agent *agentmodels.Agent, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Acquire")
	attempts := 0
	defer func() {
		tracing.End(span, err,
			attribute.String("job.id", job.ID),
			attribute.String("pipeline.id", job.FlowID),
			attribute.Int("attempts", attempts),
			attribute.Bool("acquired", agent != nil))
	}()
	log := s.logger.WithJobID(job.ID)

	s.beginAcquire(job)
	defer func() { s.endAcquire(job.ID, agent != nil) }()
	s.waiters.join(job.FlowID, job.Selector)
	defer s.waiters.leave(job.FlowID, job.Selector)

	timer := time.NewTimer(s.config.RetryInterval)
	defer timer.Stop()

	for {
		attempts++
		if canContinue != nil && !canContinue(job.ID) {
			log.Debug("job no longer needs an agent")
			return nil, nil
		}
		// Taken before the scan so an agent freed during the scan still wakes us.
		wake, stopped := s.waiters.wait(job.FlowID)
		if stopped {
			return nil, nil
		}

		if agent := s.scan(ctx, job); agent != nil {
			log.Info("agent acquired", zap.String("agent_id", agent.ID), zap.Int("attempts", attempts))
			return agent, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.publish(ctx, events.NoIdleAgent, events.NoIdleAgentEvent{
			JobID:    job.ID,
			FlowID:   job.FlowID,
			Selector: job.Selector,
		})

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.config.RetryInterval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		if s.waiters.stopped(job.FlowID) {
			log.Info("stopped waiting for an agent")
			return nil, nil
		}
	}
}

// scan tries to lock each idle candidate once. Lookup failures skip the pass.
func (s *Service) scan(ctx context.Context, job v1.Job) *agentmodels.Agent {
	candidates, err := s.registry.ListByTags(ctx, job.Selector)
	if err != nil {
		s.logger.Warn("failed to list agents", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	for _, c := range candidates {
		if !c.IsIdle() {
			continue
		}
		agent, err := s.registry.TryLock(ctx, job.ID, c.ID)
		if err != nil {
			s.logger.Debug("try lock failed", zap.String("agent_id", c.ID), zap.Error(err))
			continue
		}
		if agent != nil {
			return agent
		}
	}
	return nil
}

// Dispatch returns the agent that runs node. A sub-flow keeps the agent it
// already has; otherwise an agent of the job that is not pinned inside a
// sibling branch is reused, and a new one is acquired as a last resort.
func (s *Service) Dispatch(ctx context.Context, job v1.Job, node v1.Node, canContinue CanContinue) (*agentmodels.Agent, error) {
	s.trackJob(job)
	tracker := s.trackers.Get(job.ID)

	if id, ok := tracker.Claim(node); ok {
		agent, err := s.registry.Get(ctx, id)
		if err == nil {
			return agent, nil
		}
		s.logger.Warn("held agent vanished, acquiring another",
			zap.String("job_id", job.ID),
			zap.String("agent_id", id),
			zap.Error(err))
		tracker.RemoveAgent(id)
	}

	agent, err := s.Acquire(ctx, job, canContinue)
	if err != nil || agent == nil {
		return nil, err
	}
	tracker.Save(agent.ID, node)
	return agent, nil
}

// Finish records that node is done on agentID. The agent stays with the job.
func (s *Service) Finish(job v1.Job, node v1.Node, agentID string) {
	if tracker, ok := s.trackers.Lookup(job.ID); ok {
		tracker.Remove(agentID, node)
	}
}

// Complete releases every agent job held and forgets the job. The job's
// pipeline mapping goes last so the releases still wake its waiters.
func (s *Service) Complete(ctx context.Context, job v1.Job) error {
	defer func() {
		s.jobsMu.Lock()
		delete(s.jobs, job.ID)
		s.jobsMu.Unlock()
	}()

	tracker, ok := s.trackers.Drop(job.ID)
	if !ok {
		return nil
	}

	agentIDs := tracker.AgentIDs()
	var result *multierror.Error
	for _, id := range agentIDs {
		if err := s.registry.TryRelease(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("release agent %s: %w", id, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	s.logger.Info("job completed", zap.String("job_id", job.ID), zap.Int("agents", len(agentIDs)))
	return nil
}

// StopWaiting wakes every Acquire blocked on pipelineID; they return no agent.
func (s *Service) StopWaiting(pipelineID string) {
	if s.waiters.stop(pipelineID) {
		s.logger.Info("pipeline stopped waiting for agents", zap.String("pipeline_id", pipelineID))
	}
}

// jobEntry maps a job to its pipeline for waking waiters when the job's
// agents are released. It lives while an Acquire for the job is running,
// while the job holds an agent, or while Dispatch tracks the job.
type jobEntry struct {
	pipelineID string
	acquiring  int
	holding    int
}

func (s *Service) trackJob(job v1.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.entryLocked(job)
}

func (s *Service) entryLocked(job v1.Job) *jobEntry {
	e, ok := s.jobs[job.ID]
	if !ok {
		e = &jobEntry{}
		s.jobs[job.ID] = e
	}
	e.pipelineID = job.FlowID
	return e
}

func (s *Service) beginAcquire(job v1.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.entryLocked(job).acquiring++
}

func (s *Service) endAcquire(jobID string, acquired bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return
	}
	e.acquiring--
	if acquired {
		e.holding++
	}
	s.forgetIdleLocked(jobID, e)
}

// released is called when an agent of jobID went back to IDLE.
func (s *Service) released(jobID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if e.holding > 0 {
		e.holding--
	}
	s.forgetIdleLocked(jobID, e)
}

func (s *Service) forgetIdleLocked(jobID string, e *jobEntry) {
	if e.acquiring > 0 || e.holding > 0 {
		return
	}
	if _, dispatched := s.trackers.Lookup(jobID); dispatched {
		return
	}
	delete(s.jobs, jobID)
}

func (s *Service) pipelineOf(jobID string) (string, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return "", false
	}
	return e.pipelineID, true
}

func (s *Service) trackedJobs() int {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return len(s.jobs)
}

func (s *Service) publish(ctx context.Context, subject string, payload any) {
	if err := events.Publish(ctx, s.bus, eventSource, subject, payload); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
