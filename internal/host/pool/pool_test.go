package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
)

func TestCreateHost_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pool.CreateHost(ctx, &models.AgentHost{Name: "bad name", Kind: models.KindCluster})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.pool.CreateHost(ctx, &models.AgentHost{Name: "h", Kind: "vm"})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.pool.CreateHost(ctx, &models.AgentHost{Name: "h", Kind: models.KindCluster, MaxSize: -1})
	assert.True(t, apperrors.IsBadRequest(err))

	h := f.host(t, "build", 0, "linux", " linux ")
	assert.Equal(t, DefaultConfig().DefaultMaxSize, h.MaxSize)
	assert.Equal(t, []string{"linux"}, h.Tags)

	_, err = f.pool.CreateHost(ctx, &models.AgentHost{Name: "build", Kind: models.KindCluster})
	assert.True(t, apperrors.IsDuplicate(err))
}

func TestLocalSocketHost_Singleton(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "docker.sock")
	require.NoError(t, os.WriteFile(socket, nil, 0o600))
	f := newFixture(t, func(cfg *Config) { cfg.SocketPath = socket })
	ctx := context.Background()

	_, err := f.pool.CreateHost(ctx, &models.AgentHost{Name: "local", Kind: models.KindLocalSocket})
	require.NoError(t, err)

	_, err = f.pool.CreateHost(ctx, &models.AgentHost{Name: "local-2", Kind: models.KindLocalSocket})
	assert.True(t, apperrors.IsNotAvailable(err))

	locals, err := f.hosts.ListByKind(ctx, models.KindLocalSocket)
	require.NoError(t, err)
	assert.Len(t, locals, 1)

	// Once the socket is gone the stale record is dropped as well.
	require.NoError(t, os.Remove(socket))
	_, err = f.pool.CreateHost(ctx, &models.AgentHost{Name: "local-3", Kind: models.KindLocalSocket})
	assert.True(t, apperrors.IsNotAvailable(err))

	locals, err = f.hosts.ListByKind(ctx, models.KindLocalSocket)
	require.NoError(t, err)
	assert.Empty(t, locals)
}

func TestInit_AutoCreatesLocalHost(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "docker.sock")
	require.NoError(t, os.WriteFile(socket, nil, 0o600))
	f := newFixture(t, func(cfg *Config) {
		cfg.SocketPath = socket
		cfg.AutoCreateLocal = true
	})
	ctx := context.Background()

	require.NoError(t, f.pool.Init(ctx))
	require.NoError(t, f.pool.Init(ctx))

	local, err := f.hosts.GetByName(ctx, LocalHostName)
	require.NoError(t, err)
	assert.Equal(t, models.KindLocalSocket, local.Kind)

	require.Eventually(t, func() bool {
		h, err := f.hosts.Get(ctx, local.ID)
		return err == nil && h.Status == models.StatusConnected
	}, time.Second, 10*time.Millisecond)
}

func TestStart_CreatesAgentWithContainer(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.ServerURL = "http://scheduler:8080" })
	ctx := context.Background()
	h := f.host(t, "build", 2, "linux")

	require.True(t, f.pool.Start(ctx, h))

	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	a := agents[0]
	assert.Equal(t, agentmodels.StatusOffline, a.Status)
	assert.Equal(t, []string{"linux"}, a.Tags)
	assert.Contains(t, a.Name, h.AgentPrefix())

	state, ok := f.client.state(a.Name)
	require.True(t, ok)
	assert.Equal(t, docker.StateRunning, state)

	opts := f.pool.containerOptions(h, a)
	assert.Contains(t, opts.Env, EnvAgentToken+"="+a.Token)
	assert.Contains(t, opts.Env, EnvServerURL+"=http://scheduler:8080")
	assert.Equal(t, h.ID, opts.Labels[docker.LabelHost])
}

func TestStart_CapacityBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "single", 1)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.pool.Start(ctx, h)
		}()
	}
	wg.Wait()

	assert.Contains(t, results, true)
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestStart_AtCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "single", 1)

	require.True(t, f.pool.Start(ctx, h))
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	_, err = f.registry.OnConnected(ctx, agents[0].ID, agentmodels.AgentInit{})
	require.NoError(t, err)

	assert.False(t, f.pool.Start(ctx, h))
	agents, err = f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestStart_ResumesOfflineAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 3)

	require.True(t, f.pool.Start(ctx, h))
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	name := agents[0].Name
	require.NoError(t, f.client.Stop(ctx, name, 0))

	require.True(t, f.pool.Start(ctx, h))

	agents, err = f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	state, _ := f.client.state(name)
	assert.Equal(t, docker.StateRunning, state)
	f.client.set(func(c *fakeClient) { assert.Equal(t, 1, c.resumes) })
}

func TestStart_RestartsWhenContainerMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 3)

	require.True(t, f.pool.Start(ctx, h))
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	name := agents[0].Name
	require.NoError(t, f.client.Delete(ctx, name))

	require.True(t, f.pool.Start(ctx, h))

	_, ok := f.client.state(name)
	assert.True(t, ok)
	f.client.set(func(c *fakeClient) { assert.Equal(t, 2, c.starts) })
}

func TestStart_GivesUpOnBrokenAgentAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 3)

	require.True(t, f.pool.Start(ctx, h))
	f.client.set(func(c *fakeClient) {
		c.resumeErr = errors.New("daemon hiccup")
		c.startErr = errors.New("no space left on device")
	})

	assert.False(t, f.pool.Start(ctx, h))

	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, agents, "the broken agent is deleted and the new one rolled back")
}

func TestProvision_PicksMatchingHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	windows := f.host(t, "win", 2, "windows")
	linux := f.host(t, "lin", 2, "linux")

	require.True(t, f.pool.Provision(ctx, []string{"linux"}))
	assert.False(t, f.pool.Provision(ctx, []string{"macos"}))

	agents, err := f.registry.ListByHost(ctx, linux.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	agents, err = f.registry.ListByHost(ctx, windows.ID)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestNoIdleAgentEvent_TriggersProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "lin", 2, "linux")

	require.NoError(t, events.Publish(ctx, f.bus, "test", events.NoIdleAgent, events.NoIdleAgentEvent{
		JobID:    "job-1",
		Selector: []string{"linux"},
	}))

	require.Eventually(t, func() bool {
		agents, err := f.registry.ListByHost(ctx, h.ID)
		return err == nil && len(agents) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSync_DeletesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 3)

	require.True(t, f.pool.Start(ctx, h))
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	known := agents[0].Name

	f.client.add(h.AgentPrefix()+"orphan", h.ID, docker.StateRunning)
	f.client.add("other-thing", h.ID, docker.StateRunning)
	f.client.add(h.AgentPrefix()+"manual", "", docker.StateExited)
	f.client.set(func(c *fakeClient) { c.containers[h.AgentPrefix()+"manual"].Labels = nil })
	f.client.add(h.AgentPrefix()+"x-1", "other-host-id", docker.StateRunning)

	require.NoError(t, f.pool.Sync(ctx, h))

	_, ok := f.client.state(h.AgentPrefix() + "manual")
	assert.False(t, ok, "unlabelled container with the host prefix removed")
	_, ok = f.client.state(h.AgentPrefix() + "x-1")
	assert.True(t, ok, "container labelled for another host kept")

	_, ok = f.client.state(known)
	assert.True(t, ok)
	_, ok = f.client.state(h.AgentPrefix() + "orphan")
	assert.False(t, ok)
	_, ok = f.client.state("other-thing")
	assert.True(t, ok, "containers outside the host prefix are left alone")
}

func TestHostStatus_RecordsReachability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []models.Status
	_, err := events.Subscribe(f.bus, events.AgentHostStatus, func(ctx context.Context, e events.AgentHostStatusEvent) error {
		mu.Lock()
		statuses = append(statuses, e.Status)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	f.kind.failInit(errors.New("connection refused"))
	h := f.host(t, "flaky", 1)

	require.Eventually(t, func() bool {
		got, err := f.hosts.Get(ctx, h.ID)
		return err == nil && got.Error != ""
	}, time.Second, 10*time.Millisecond)
	got, err := f.hosts.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, got.Status)
	assert.Contains(t, got.Error, "connection refused")
	assert.False(t, f.pool.Start(ctx, h))

	f.kind.failInit(nil)
	require.NoError(t, f.pool.Probe(ctx, h))
	got, err = f.hosts.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Empty(t, got.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Status{models.StatusConnected}, statuses)
}

func TestUpdateHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 1)

	tags := []string{"gpu", "linux"}
	size := 4
	idle := 10 * time.Minute
	updated, err := f.pool.UpdateHost(ctx, h.ID, UpdateHostRequest{Tags: &tags, MaxSize: &size, MaxIdle: &idle})
	require.NoError(t, err)
	assert.Equal(t, tags, updated.Tags)
	assert.Equal(t, 4, updated.MaxSize)
	assert.Equal(t, idle, updated.MaxIdle)

	bad := -1
	_, err = f.pool.UpdateHost(ctx, h.ID, UpdateHostRequest{MaxSize: &bad})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = f.pool.UpdateHost(ctx, "missing", UpdateHostRequest{})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteHost_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 3)

	f.connectedAgent(t, h)
	f.connectedAgent(t, h)
	agents, err := f.registry.ListByHost(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	require.NoError(t, f.pool.DeleteHost(ctx, h.ID))

	for _, a := range agents {
		_, err := f.registry.Get(ctx, a.ID)
		assert.True(t, apperrors.IsNotFound(err))
		_, ok := f.client.state(a.Name)
		assert.False(t, ok, "container %s removed", a.Name)
	}
	_, err = f.pool.GetHost(ctx, h.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 0, f.pool.cache.Len())
}

func TestDeleteHost_RemovesContainersBeforeHost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "remote", 2)
	a := f.connectedAgent(t, h)

	// Deletion events are not handled before the host record is gone, as with
	// an asynchronous bus.
	f.pool.mu.Lock()
	for _, s := range f.pool.subs {
		require.NoError(t, s.Unsubscribe())
	}
	f.pool.subs = nil
	f.pool.mu.Unlock()

	require.NoError(t, f.pool.DeleteHost(ctx, h.ID))

	_, ok := f.client.state(a.Name)
	assert.False(t, ok, "container of deleted host removed")
	_, err := f.registry.Get(ctx, a.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteHost_UnreachableBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "gone", 2)
	a := f.connectedAgent(t, h)

	f.pool.cache.Invalidate(h.ID)
	f.kind.failInit(errors.New("connection refused"))

	require.NoError(t, f.pool.DeleteHost(ctx, h.ID))
	_, err := f.registry.Get(ctx, a.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.pool.GetHost(ctx, h.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSweeper_RetiresStaleAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 5)
	idle := time.Minute
	offline := time.Hour
	_, err := f.pool.UpdateHost(ctx, h.ID, UpdateHostRequest{MaxIdle: &idle, MaxOffline: &offline})
	require.NoError(t, err)

	staleIdle := f.connectedAgent(t, h)
	freshIdle := f.connectedAgent(t, h)
	staleOffline := f.connectedAgent(t, h)
	require.NoError(t, f.registry.OnDisconnected(ctx, staleOffline.ID))
	backdate := func(id string, age time.Duration) {
		a, err := f.agents.Get(ctx, id)
		require.NoError(t, err)
		a.StatusChangedAt = time.Now().Add(-age)
		require.NoError(t, f.agents.Update(ctx, a))
	}
	backdate(staleIdle.ID, 2*time.Minute)
	backdate(staleOffline.ID, 2*time.Hour)

	sweeper := NewSweeper(f.pool, SweeperConfig{Concurrency: 2}, f.pool.logger)
	require.NoError(t, sweeper.RunOnce(ctx))

	got, err := f.registry.Get(ctx, staleIdle.ID)
	require.NoError(t, err)
	assert.Equal(t, agentmodels.StatusOffline, got.Status)
	assert.Empty(t, got.JobID)
	state, _ := f.client.state(staleIdle.Name)
	assert.Equal(t, docker.StateExited, state)

	got, err = f.registry.Get(ctx, freshIdle.ID)
	require.NoError(t, err)
	assert.Equal(t, agentmodels.StatusIdle, got.Status)

	_, err = f.registry.Get(ctx, staleOffline.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, ok := f.client.state(staleOffline.Name)
	assert.False(t, ok)

	exists, err := f.coord.Exists(ctx, coordination.SweepKey)
	require.NoError(t, err)
	assert.False(t, exists, "sweep guard released")
}

func TestSweeper_SkipsWhenGuardHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.host(t, "build", 1)
	f.client.add(h.AgentPrefix()+"orphan", h.ID, docker.StateRunning)

	created, err := f.coord.CreateEphemeral(ctx, coordination.SweepKey, []byte("other"))
	require.NoError(t, err)
	require.True(t, created)

	sweeper := NewSweeper(f.pool, SweeperConfig{}, f.pool.logger)
	require.NoError(t, sweeper.RunOnce(ctx))

	_, ok := f.client.state(h.AgentPrefix() + "orphan")
	assert.True(t, ok, "nothing swept while another instance holds the guard")

	require.NoError(t, f.coord.Delete(ctx, coordination.SweepKey))
	require.NoError(t, sweeper.RunOnce(ctx))
	_, ok = f.client.state(h.AgentPrefix() + "orphan")
	assert.False(t, ok)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.pool, SweeperConfig{Interval: 10 * time.Millisecond}, f.pool.logger)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.ErrorIs(t, sweeper.Start(context.Background()), ErrSweeperAlreadyRunning)
	require.NoError(t, sweeper.Stop())
	assert.ErrorIs(t, sweeper.Stop(), ErrSweeperNotRunning)
}
