package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/agent/registry"
	agentstore "github.com/kandev/agentpool/internal/agent/store"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events/bus"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
	hoststore "github.com/kandev/agentpool/internal/host/store"
)

// fakeClient keeps containers in memory.
type fakeClient struct {
	mu         sync.Mutex
	containers map[string]*docker.Container
	startErr   error
	resumeErr  error
	pingErr    error

	starts  int
	resumes int
	stops   int
	pings   int
	closes  atomic.Int32
}

var _ docker.ContainerClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{containers: make(map[string]*docker.Container)}
}

func (c *fakeClient) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeClient) List(_ context.Context, f docker.Filter) ([]docker.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []docker.Container
	for _, ctr := range c.containers {
		if !strings.HasPrefix(ctr.Name, f.NamePrefix) {
			continue
		}
		match := true
		for k, v := range f.Labels {
			if ctr.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, *ctr)
		}
	}
	return out, nil
}

func (c *fakeClient) Start(_ context.Context, opts docker.StartOptions) (*docker.Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.starts++
	ctr := &docker.Container{ID: opts.Name, Name: opts.Name, Image: opts.Image, State: docker.StateRunning, Labels: opts.Labels}
	c.containers[opts.Name] = ctr
	return ctr, nil
}

func (c *fakeClient) Resume(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeErr != nil {
		return c.resumeErr
	}
	ctr, ok := c.containers[name]
	if !ok {
		return docker.ErrNotFound
	}
	c.resumes++
	ctr.State = docker.StateRunning
	return nil
}

func (c *fakeClient) Stop(_ context.Context, name string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.containers[name]
	if !ok {
		return docker.ErrNotFound
	}
	c.stops++
	ctr.State = docker.StateExited
	return nil
}

func (c *fakeClient) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.containers[name]; !ok {
		return docker.ErrNotFound
	}
	delete(c.containers, name)
	return nil
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeClient) add(name, hostID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containers[name] = &docker.Container{ID: name, Name: name, State: state, Labels: map[string]string{docker.LabelHost: hostID}}
}

func (c *fakeClient) state(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.containers[name]
	if !ok {
		return "", false
	}
	return ctr.State, true
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// fakeKind hands out the same fake client for every host.
type fakeKind struct {
	create  func(ctx context.Context, host *models.AgentHost) error
	client  *fakeClient
	initErr atomic.Pointer[error]
	inits   atomic.Int32
}

func (k *fakeKind) Create(ctx context.Context, host *models.AgentHost) error {
	return k.create(ctx, host)
}

func (k *fakeKind) InitClient(context.Context, *models.AgentHost) (docker.ContainerClient, error) {
	k.inits.Add(1)
	if err := k.initErr.Load(); err != nil {
		return nil, *err
	}
	return k.client, nil
}

func (k *fakeKind) failInit(err error) {
	if err == nil {
		k.initErr.Store(nil)
		return
	}
	k.initErr.Store(&err)
}

type fixture struct {
	pool     *Pool
	registry *registry.Registry
	agents   *agentstore.MemoryStore
	hosts    *hoststore.MemoryStore
	coord    *coordination.MemoryCoordinator
	bus      *bus.MemoryEventBus
	client   *fakeClient
	kind     *fakeKind
}

func newFixture(t *testing.T, mutate ...func(cfg *Config)) *fixture {
	t.Helper()
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	coord := coordination.NewMemoryCoordinator()
	agents := agentstore.NewMemoryStore()
	reg, err := registry.NewRegistry(agents, coord, b, registry.Config{LockTimeout: 200 * time.Millisecond}, log)
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))

	cfg := DefaultConfig()
	cfg.AutoCreateLocal = false
	cfg.LockTimeout = time.Second
	cfg.SocketPath = t.TempDir() + "/missing.sock"
	for _, m := range mutate {
		m(&cfg)
	}

	hosts := hoststore.NewMemoryStore()
	p := NewPool(hosts, reg, coord, b, nil, cfg, log)

	client := newFakeClient()
	kind := &fakeKind{create: func(ctx context.Context, host *models.AgentHost) error {
		return hosts.Create(ctx, host)
	}, client: client}
	local := &fakeKind{create: (&localSocketKind{pool: p}).Create, client: client}
	p.kinds = map[models.Kind]Kind{
		models.KindCluster:     kind,
		models.KindSSH:         kind,
		models.KindLocalSocket: local,
	}
	require.NoError(t, p.Start(context.Background()))

	t.Cleanup(func() {
		p.Stop()
		reg.Stop()
		b.Close()
	})
	return &fixture{pool: p, registry: reg, agents: agents, hosts: hosts, coord: coord, bus: b, client: client, kind: kind}
}

func (f *fixture) host(t *testing.T, name string, maxSize int, tags ...string) *models.AgentHost {
	t.Helper()
	h, err := f.pool.CreateHost(context.Background(), &models.AgentHost{
		Name:    name,
		Kind:    models.KindCluster,
		MaxSize: maxSize,
		Tags:    tags,
		Config:  models.Config{Cluster: &models.ClusterConfig{Endpoint: "tcp://" + name + ":2376"}},
	})
	require.NoError(t, err)
	return h
}

// connectedAgent provisions a new agent on h and brings it IDLE.
func (f *fixture) connectedAgent(t *testing.T, h *models.AgentHost) *agentmodels.Agent {
	t.Helper()
	ctx := context.Background()
	require.True(t, f.pool.Start(ctx, h))

	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	for _, a := range agents {
		if a.IsOffline() {
			a, err = f.registry.OnConnected(ctx, a.ID, agentmodels.AgentInit{OS: "linux"})
			require.NoError(t, err)
			return a
		}
	}
	t.Fatal("no new agent on host")
	return nil
}
