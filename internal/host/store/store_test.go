package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentpool/internal/common/config"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/db"
	"github.com/kandev/agentpool/internal/host/models"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) {
		pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "hosts.db")})
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Close() })
		s, err := NewSQLStore(pool)
		require.NoError(t, err)
		fn(t, s)
	})
}

func sshHost(name string) *models.AgentHost {
	return &models.AgentHost{
		Name:    name,
		Kind:    models.KindSSH,
		Tags:    []string{"linux", "amd64"},
		MaxSize: 3,
		Config: models.Config{SSH: &models.SSHConfig{
			Host:   "build-1.internal",
			Port:   22,
			User:   "ci",
			Secret: "build-key",
		}},
		MaxIdle:    30 * time.Minute,
		MaxOffline: 24 * time.Hour,
	}
}

func TestRepository_RoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		h := sshHost("ssh-1")
		require.NoError(t, s.Create(ctx, h))
		require.NotEmpty(t, h.ID)
		assert.Equal(t, models.StatusDisconnected, h.Status)

		got, err := s.Get(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"amd64", "linux"}, got.Tags)
		require.NotNil(t, got.Config.SSH)
		assert.Equal(t, "build-key", got.Config.SSH.Secret)
		assert.Nil(t, got.Config.Cluster)
		assert.Equal(t, 30*time.Minute, got.MaxIdle)
		assert.Equal(t, 24*time.Hour, got.MaxOffline)

		byName, err := s.GetByName(ctx, "ssh-1")
		require.NoError(t, err)
		assert.Equal(t, h.ID, byName.ID)
	})
}

func TestRepository_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sshHost("dup")))
		err := s.Create(ctx, sshHost("dup"))
		assert.True(t, apperrors.IsDuplicate(err))
	})
}

func TestRepository_ListByKindUpdateDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		local := &models.AgentHost{
			Name:   "local",
			Kind:   models.KindLocalSocket,
			Config: models.Config{LocalSocket: &models.LocalSocketConfig{SocketPath: "/var/run/docker.sock"}},
		}
		require.NoError(t, s.Create(ctx, local))
		require.NoError(t, s.Create(ctx, sshHost("remote")))

		locals, err := s.ListByKind(ctx, models.KindLocalSocket)
		require.NoError(t, err)
		require.Len(t, locals, 1)
		assert.Equal(t, "local", locals[0].Name)

		local.Status = models.StatusConnected
		local.Error = ""
		local.MaxSize = 5
		require.NoError(t, s.Update(ctx, local))
		got, err := s.Get(ctx, local.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConnected, got.Status)
		assert.Equal(t, 5, got.MaxSize)

		require.NoError(t, s.Delete(ctx, local.ID))
		_, err = s.Get(ctx, local.ID)
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(s.Delete(ctx, local.ID)))

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}
