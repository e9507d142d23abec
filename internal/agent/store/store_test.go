package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentpool/internal/agent/models"
	"github.com/kandev/agentpool/internal/common/config"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/db"
)

func newSQLiteStore(t *testing.T) Repository {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "agents.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := NewSQLStore(pool)
	require.NoError(t, err)
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func newAgent(name, hostID string) *models.Agent {
	return &models.Agent{
		Name:   name,
		Token:  "token-" + name,
		Tags:   []string{"linux", "docker", "linux"},
		Status: models.StatusOffline,
		HostID: hostID,
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		a := newAgent("a1", "")
		require.NoError(t, s.Create(ctx, a))
		require.NotEmpty(t, a.ID)

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "a1", got.Name)
		assert.Equal(t, []string{"docker", "linux"}, got.Tags)
		assert.Equal(t, models.StatusOffline, got.Status)

		byName, err := s.GetByName(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, byName.ID)

		byToken, err := s.GetByToken(ctx, "token-a1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, byToken.ID)

		_, err = s.Get(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestRepository_DuplicateName(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newAgent("dup", "")))

		second := newAgent("dup", "")
		second.Token = "other"
		err := s.Create(ctx, second)
		require.Error(t, err)
		assert.True(t, apperrors.IsDuplicate(err))
	})
}

func TestRepository_UpdateAndFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		a := newAgent("h-1", "host-1")
		b := newAgent("h-2", "host-1")
		c := newAgent("other", "")
		for _, ag := range []*models.Agent{a, b, c} {
			require.NoError(t, s.Create(ctx, ag))
		}

		a.Status = models.StatusBusy
		a.JobID = "job-1"
		a.Resource = models.Resource{CPU: 4, FreeMemory: 1024}
		require.NoError(t, s.Update(ctx, a))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusBusy, got.Status)
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, 4, got.Resource.CPU)

		onHost, err := s.ListByHost(ctx, "host-1")
		require.NoError(t, err)
		assert.Len(t, onHost, 2)

		busy, err := s.ListByStatus(ctx, models.StatusBusy, models.StatusIdle)
		require.NoError(t, err)
		require.Len(t, busy, 1)
		assert.Equal(t, a.ID, busy[0].ID)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestRepository_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Repository) {
		ctx := context.Background()
		a := newAgent("gone", "")
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Delete(ctx, a.ID))

		_, err := s.Get(ctx, a.ID)
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(s.Delete(ctx, a.ID)))
		assert.True(t, apperrors.IsNotFound(s.Update(ctx, a)))
	})
}
