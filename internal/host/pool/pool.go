// Package pool manages agent hosts: their cached container clients,
// provisioning of agent containers, reconciliation and periodic housekeeping.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/agent/registry"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/common/tracing"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
	"github.com/kandev/agentpool/internal/host/store"
	"github.com/kandev/agentpool/internal/secrets"
)

const (
	eventSource = "host-pool"
	queueName   = "host-pool"

	// LocalHostName is the name of the auto-registered local socket host.
	LocalHostName = "local"
)

// AgentRegistry is the part of the agent registry the pool drives.
type AgentRegistry interface {
	Create(ctx context.Context, req registry.CreateRequest) (*agentmodels.Agent, error)
	ListByHost(ctx context.Context, hostID string) ([]*agentmodels.Agent, error)
	Delete(ctx context.Context, id string) error
	TryLock(ctx context.Context, jobID, agentID string) (*agentmodels.Agent, error)
	TryRelease(ctx context.Context, agentID string) error
	OnDisconnected(ctx context.Context, agentID string) error
}

// SecretLookup resolves host credentials by name.
type SecretLookup interface {
	Lookup(ctx context.Context, name string) (*secrets.SecretWithValue, error)
}

// Config holds pool settings.
type Config struct {
	SocketPath string
	APIVersion string
	AgentImage string
	ServerURL  string
	Network    string

	CacheSize   int
	CacheTTL    time.Duration
	LockTimeout time.Duration
	StopTimeout time.Duration

	AutoCreateLocal bool
	DefaultMaxSize  int
	// Defaults for hosts created without thresholds.
	MaxIdle    time.Duration
	MaxOffline time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		SocketPath:      "/var/run/docker.sock",
		AgentImage:      "agentpool/agent:latest",
		CacheSize:       20,
		CacheTTL:        10 * time.Minute,
		LockTimeout:     30 * time.Second,
		StopTimeout:     30 * time.Second,
		AutoCreateLocal: true,
		DefaultMaxSize:  5,
	}
}

// Pool owns the agent hosts.
type Pool struct {
	hosts   store.Repository
	agents  AgentRegistry
	coord   coordination.Coordinator
	bus     bus.EventBus
	secrets SecretLookup
	kinds   map[models.Kind]Kind
	cache   *clientCache
	config  Config
	logger  *logger.Logger
	tracer  trace.Tracer

	hostLocks  sync.Map // host id -> *sync.Mutex
	provisions singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewPool creates a pool. secretLookup may be nil when no SSH hosts are used.
func NewPool(
	hosts store.Repository,
	agents AgentRegistry,
	coord coordination.Coordinator,
	eventBus bus.EventBus,
	secretLookup SecretLookup,
	cfg Config,
	log *logger.Logger,
) *Pool {
	def := DefaultConfig()
	if cfg.SocketPath == "" {
		cfg.SocketPath = def.SocketPath
	}
	if cfg.AgentImage == "" {
		cfg.AgentImage = def.AgentImage
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.DefaultMaxSize <= 0 {
		cfg.DefaultMaxSize = def.DefaultMaxSize
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		hosts:   hosts,
		agents:  agents,
		coord:   coord,
		bus:     eventBus,
		secrets: secretLookup,
		config:  cfg,
		logger:  log.WithFields(zap.String("component", "host-pool")),
		tracer:  tracing.Tracer("host-pool"),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	p.kinds = p.defaultKinds()
	p.cache = newClientCache(cfg.CacheSize, cfg.CacheTTL, p.initClient, p.logger)
	return p
}

// Start subscribes to provisioning requests and agent deletions and starts
// the client cache janitor.
func (p *Pool) Start(ctx context.Context) error {
	noIdle, err := events.QueueSubscribe(p.bus, events.NoIdleAgent, queueName,
		func(ctx context.Context, e events.NoIdleAgentEvent) error {
			p.provisionAsync(e.Selector)
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.NoIdleAgent, err)
	}
	deleted, err := events.QueueSubscribe(p.bus, events.AgentDeleted, queueName,
		func(ctx context.Context, e events.AgentDeletedEvent) error {
			return p.onAgentDeleted(ctx, e.Agent)
		})
	if err != nil {
		_ = noIdle.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", events.AgentDeleted, err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, noIdle, deleted)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.cache.Run(p.baseCtx)
	}()
	return nil
}

// Stop cancels background work, waits for it and closes every cached client.
func (p *Pool) Stop() {
	p.mu.Lock()
	for _, s := range p.subs {
		_ = s.Unsubscribe()
	}
	p.subs = nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.cache.Close()
}

// goBackground runs fn unless the pool is stopping.
func (p *Pool) goBackground(fn func(ctx context.Context)) {
	if p.baseCtx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.baseCtx)
	}()
}

var hostNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// CreateHost validates host and registers it through its kind. The new host
// is probed in the background.
func (p *Pool) CreateHost(ctx context.Context, host *models.AgentHost) (*models.AgentHost, error) {
	host.Name = strings.TrimSpace(host.Name)
	if !hostNameRegex.MatchString(host.Name) {
		return nil, apperrors.ValidationError("name", "must be 1-63 letters, digits, '.', '_' or '-'")
	}
	kind, ok := p.kinds[host.Kind]
	if !ok {
		return nil, apperrors.ValidationError("kind", fmt.Sprintf("unknown host kind %q", host.Kind))
	}
	switch {
	case host.MaxSize < 0:
		return nil, apperrors.ValidationError("max_size", "must not be negative")
	case host.MaxSize == 0:
		host.MaxSize = p.config.DefaultMaxSize
	}
	if host.MaxIdle < 0 || host.MaxOffline < 0 {
		return nil, apperrors.ValidationError("max_idle", "thresholds must not be negative")
	}
	if host.MaxIdle == 0 {
		host.MaxIdle = p.config.MaxIdle
	}
	if host.MaxOffline == 0 {
		host.MaxOffline = p.config.MaxOffline
	}
	host.Tags = agentmodels.NormalizeTags(host.Tags)
	host.Status = models.StatusDisconnected
	host.Error = ""

	if err := kind.Create(ctx, host); err != nil {
		return nil, err
	}

	p.logger.Info("agent host created",
		zap.String("host_id", host.ID),
		zap.String("name", host.Name),
		zap.String("kind", string(host.Kind)))

	created := *host
	p.goBackground(func(ctx context.Context) {
		if err := p.Probe(ctx, &created); err != nil {
			p.logger.Warn("new host is not reachable", zap.String("host_id", created.ID), zap.Error(err))
		}
	})
	return host, nil
}

// UpdateHostRequest carries the mutable host settings. Nil fields are kept.
type UpdateHostRequest struct {
	Tags       *[]string
	MaxSize    *int
	MaxIdle    *time.Duration
	MaxOffline *time.Duration
}

func (p *Pool) UpdateHost(ctx context.Context, id string, req UpdateHostRequest) (*models.AgentHost, error) {
	host, err := p.hosts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Tags != nil {
		host.Tags = agentmodels.NormalizeTags(*req.Tags)
	}
	if req.MaxSize != nil {
		if *req.MaxSize < 0 {
			return nil, apperrors.ValidationError("max_size", "must not be negative")
		}
		host.MaxSize = *req.MaxSize
	}
	if req.MaxIdle != nil {
		host.MaxIdle = max(*req.MaxIdle, 0)
	}
	if req.MaxOffline != nil {
		host.MaxOffline = max(*req.MaxOffline, 0)
	}
	if err := p.hosts.Update(ctx, host); err != nil {
		return nil, err
	}
	p.logger.Info("agent host updated", zap.String("host_id", id))
	return host, nil
}

// DeleteHost removes every agent of the host, together with its container,
// then the host itself. Containers are removed here rather than left to the
// AgentDeleted subscriber, which on an asynchronous bus would only run once
// the host record is gone. An unreachable backend does not block the delete.
func (p *Pool) DeleteHost(ctx context.Context, id string) error {
	host, err := p.hosts.Get(ctx, id)
	if err != nil {
		return err
	}
	agents, err := p.agents.ListByHost(ctx, id)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, a := range agents {
		if err := p.removeContainer(ctx, host, a.Name); err != nil {
			p.logger.Warn("failed to remove agent container",
				zap.String("host_id", id),
				zap.String("agent", a.Name),
				zap.Error(err))
		}
		if err := p.agents.Delete(ctx, a.ID); err != nil && !apperrors.IsNotFound(err) {
			result = multierror.Append(result, fmt.Errorf("agent %s: %w", a.Name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("delete agents of host %s: %w", host.Name, err)
	}

	p.cache.Invalidate(id)
	if err := p.hosts.Delete(ctx, id); err != nil {
		return err
	}
	p.hostLocks.Delete(id)
	p.logger.Info("agent host deleted", zap.String("host_id", id), zap.String("name", host.Name), zap.Int("agents", len(agents)))
	return nil
}

func (p *Pool) GetHost(ctx context.Context, id string) (*models.AgentHost, error) {
	return p.hosts.Get(ctx, id)
}

func (p *Pool) ListHosts(ctx context.Context) ([]*models.AgentHost, error) {
	return p.hosts.List(ctx)
}

// Init registers the local socket host when enabled and the socket exists,
// then probes every host in the background.
func (p *Pool) Init(ctx context.Context) error {
	if p.config.AutoCreateLocal {
		if err := p.ensureLocalHost(ctx); err != nil {
			return err
		}
	}

	hosts, err := p.hosts.List(ctx)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		p.goBackground(func(ctx context.Context) {
			if err := p.Probe(ctx, h); err != nil {
				p.logger.Warn("host probe failed", zap.String("host_id", h.ID), zap.String("name", h.Name), zap.Error(err))
			}
		})
	}
	return nil
}

func (p *Pool) ensureLocalHost(ctx context.Context) error {
	existing, err := p.hosts.ListByKind(ctx, models.KindLocalSocket)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if _, err := os.Stat(p.config.SocketPath); err != nil {
		p.logger.Info("no local container socket, skipping local host", zap.String("socket", p.config.SocketPath))
		return nil
	}
	_, err = p.CreateHost(ctx, &models.AgentHost{Name: LocalHostName, Kind: models.KindLocalSocket})
	if err != nil && !apperrors.IsNotAvailable(err) && !apperrors.IsDuplicate(err) {
		return fmt.Errorf("register local host: %w", err)
	}
	return nil
}

// Probe checks the host's daemon through its cached client.
func (p *Pool) Probe(ctx context.Context, host *models.AgentHost) error {
	c, release, err := p.cache.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()
	if err := c.Ping(ctx); err != nil {
		p.cache.Invalidate(host.ID)
		p.setStatus(ctx, host.ID, models.StatusDisconnected, err)
		return err
	}
	return nil
}

// initClient is the cache miss path: open a client through the host's kind
// and record the outcome on the host.
func (p *Pool) initClient(ctx context.Context, host *models.AgentHost) (docker.ContainerClient, error) {
	kind, ok := p.kinds[host.Kind]
	if !ok {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown host kind %q", host.Kind))
	}

	c, err := kind.InitClient(ctx, host)
	if err == nil {
		if err = c.Ping(ctx); err != nil {
			_ = c.Close()
		}
	}
	if err != nil {
		p.setStatus(ctx, host.ID, models.StatusDisconnected, err)
		return nil, fmt.Errorf("init client for host %s: %w", host.Name, err)
	}
	p.setStatus(ctx, host.ID, models.StatusConnected, nil)
	return c, nil
}

func (p *Pool) setStatus(ctx context.Context, hostID string, status models.Status, cause error) {
	host, err := p.hosts.Get(ctx, hostID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			p.logger.Warn("failed to load host for status update", zap.String("host_id", hostID), zap.Error(err))
		}
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if host.Status == status && host.Error == msg {
		return
	}

	previous := host.Status
	host.Status = status
	host.Error = msg
	if err := p.hosts.Update(ctx, host); err != nil {
		p.logger.Warn("failed to store host status", zap.String("host_id", hostID), zap.Error(err))
		return
	}
	if previous == status {
		return
	}

	p.logger.Info("agent host status changed",
		zap.String("host_id", hostID),
		zap.String("name", host.Name),
		zap.String("status", string(status)),
		zap.String("error", msg))
	err = events.Publish(ctx, p.bus, eventSource, events.AgentHostStatus, events.AgentHostStatusEvent{
		HostID: host.ID,
		Name:   host.Name,
		Status: status,
		Error:  msg,
	})
	if err != nil {
		p.logger.Warn("failed to publish host status", zap.Error(err))
	}
}

func (p *Pool) onAgentDeleted(ctx context.Context, agent agentmodels.Agent) error {
	if agent.HostID == "" {
		return nil
	}
	host, err := p.hosts.Get(ctx, agent.HostID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return p.removeContainer(ctx, host, agent.Name)
}

func (p *Pool) removeContainer(ctx context.Context, host *models.AgentHost, name string) error {
	c, release, err := p.cache.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()
	if err := c.Delete(ctx, name); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return err
	}
	return nil
}

func (p *Pool) hostLock(hostID string) *sync.Mutex {
	mu, _ := p.hostLocks.LoadOrStore(hostID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (p *Pool) clientOpts(opts ...client.Opt) []client.Opt {
	if p.config.APIVersion != "" {
		opts = append(opts, client.WithVersion(p.config.APIVersion))
	}
	return opts
}
