package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/host/models"
)

// Common errors
var (
	ErrSweeperAlreadyRunning = errors.New("sweeper is already running")
	ErrSweeperNotRunning     = errors.New("sweeper is not running")
)

// sweepJobID marks agents the sweeper holds while stopping their containers.
const sweepJobID = "sweep"

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Interval    time.Duration // How often to sweep all hosts
	Concurrency int           // Hosts swept in parallel
}

// DefaultSweeperConfig returns default configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    5 * time.Minute,
		Concurrency: 4,
	}
}

// Sweeper periodically probes every host, removes orphan containers and
// retires agents past their host's idle and offline thresholds. One instance
// across the cluster sweeps at a time.
type Sweeper struct {
	pool   *Pool
	config SweeperConfig
	logger *logger.Logger
	now    func() time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewSweeper(p *Pool, cfg SweeperConfig, log *logger.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Sweeper{
		pool:   p,
		config: cfg,
		logger: log.WithFields(zap.String("component", "host-sweeper")),
		now:    time.Now,
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("sweeper starting", zap.Duration("interval", s.config.Interval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the sweeper and waits for a running cycle to finish
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSweeperNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("sweep finished with errors", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps every host unless another instance holds the sweep guard,
// in which case the cycle is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (err error) {
	coord := s.pool.coord
	created, err := coord.CreateEphemeral(ctx, coordination.SweepKey, []byte(coordination.DefaultInstanceID()))
	if err != nil {
		s.logger.Debug("sweep guard unavailable, skipping cycle", zap.Error(err))
		return nil
	}
	if !created {
		s.logger.Debug("sweep running elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if derr := coord.Delete(context.WithoutCancel(ctx), coordination.SweepKey); derr != nil {
			s.logger.Warn("failed to release sweep guard", zap.Error(derr))
		}
	}()

	ctx, span := s.pool.tracer.Start(ctx, "pool.Sweep")
	hosts, err := s.pool.ListHosts(ctx)
	if err != nil {
		tracing.End(span, err)
		return err
	}
	defer func() {
		tracing.End(span, err, attribute.Int("hosts", len(hosts)))
	}()

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g := errgroup.Group{}
	g.SetLimit(s.config.Concurrency)
	for _, h := range hosts {
		g.Go(func() error {
			if err := s.sweepHost(ctx, h); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("host %s: %w", h.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (s *Sweeper) sweepHost(ctx context.Context, host *models.AgentHost) error {
	p := s.pool
	log := s.logger.WithHostID(host.ID)

	if err := p.Probe(ctx, host); err != nil {
		return err
	}

	var result *multierror.Error
	if err := p.Sync(ctx, host); err != nil {
		result = multierror.Append(result, err)
	}

	agents, err := p.agents.ListByHost(ctx, host.ID)
	if err != nil {
		return multierror.Append(result, err).ErrorOrNil()
	}

	now := s.now()
	for _, a := range agents {
		age := now.Sub(a.StatusChangedAt)
		switch {
		case a.IsIdle() && host.MaxIdle > 0 && age > host.MaxIdle:
			if err := s.stopIdle(ctx, host, a.ID, a.Name); err != nil {
				result = multierror.Append(result, err)
			}
		case a.IsOffline() && host.MaxOffline > 0 && age > host.MaxOffline:
			if err := p.agents.Delete(ctx, a.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("delete agent %s: %w", a.Name, err))
				continue
			}
			log.Info("offline agent retired", zap.String("agent_id", a.ID), zap.Duration("offline_for", age))
		}
	}
	return result.ErrorOrNil()
}

// stopIdle takes the agent away from allocation, stops its container and
// leaves it OFFLINE so a later Start can resume it.
func (s *Sweeper) stopIdle(ctx context.Context, host *models.AgentHost, agentID, name string) error {
	p := s.pool
	log := s.logger.WithHostID(host.ID).WithAgentID(agentID)

	locked, err := p.agents.TryLock(ctx, sweepJobID, agentID)
	if err != nil {
		return err
	}
	if locked == nil {
		return nil
	}
	defer func() {
		if err := p.agents.TryRelease(ctx, agentID); err != nil {
			log.Warn("failed to release swept agent", zap.Error(err))
		}
	}()

	c, release, err := p.cache.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()

	if err := c.Stop(ctx, name, p.config.StopTimeout); err != nil {
		return fmt.Errorf("stop agent %s: %w", name, err)
	}
	if err := p.agents.OnDisconnected(ctx, agentID); err != nil {
		return err
	}
	log.Info("idle agent stopped", zap.String("name", name))
	return nil
}
