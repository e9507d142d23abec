package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
)

// MemoryStore keeps agents in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryStore) Create(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.agents {
		if existing.Name == agent.Name || existing.Token == agent.Token {
			return apperrors.Duplicate("agent", agent.Name)
		}
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.StatusChangedAt.IsZero() {
		agent.StatusChangedAt = now
	}
	agent.Tags = models.NormalizeTags(agent.Tags)
	s.agents[agent.ID] = clone(agent)
	return nil
}

func (s *MemoryStore) find(match func(*models.Agent) bool, key string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if match(a) {
			return clone(a), nil
		}
	}
	return nil, apperrors.NotFound("agent", key)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Agent, error) {
	return s.find(func(a *models.Agent) bool { return a.ID == id }, id)
}

func (s *MemoryStore) GetByName(_ context.Context, name string) (*models.Agent, error) {
	return s.find(func(a *models.Agent) bool { return a.Name == name }, name)
}

func (s *MemoryStore) GetByToken(_ context.Context, token string) (*models.Agent, error) {
	return s.find(func(a *models.Agent) bool { return a.Token == token }, token)
}

func (s *MemoryStore) filter(match func(*models.Agent) bool) []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if match(a) {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, func(a, b *models.Agent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Agent, error) {
	return s.filter(func(*models.Agent) bool { return true }), nil
}

func (s *MemoryStore) ListByHost(_ context.Context, hostID string) ([]*models.Agent, error) {
	return s.filter(func(a *models.Agent) bool { return a.HostID == hostID }), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...models.Status) ([]*models.Agent, error) {
	return s.filter(func(a *models.Agent) bool { return slices.Contains(statuses, a.Status) }), nil
}

func (s *MemoryStore) Update(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return apperrors.NotFound("agent", agent.ID)
	}
	for id, existing := range s.agents {
		if id != agent.ID && existing.Name == agent.Name {
			return apperrors.Duplicate("agent", agent.Name)
		}
	}
	agent.UpdatedAt = time.Now().UTC()
	agent.Tags = models.NormalizeTags(agent.Tags)
	s.agents[agent.ID] = clone(agent)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
