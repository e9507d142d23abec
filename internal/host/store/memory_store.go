package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/host/models"
)

// MemoryStore keeps hosts in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	hosts map[string]*models.AgentHost
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hosts: make(map[string]*models.AgentHost)}
}

func (s *MemoryStore) Create(_ context.Context, host *models.AgentHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.hosts {
		if existing.Name == host.Name {
			return apperrors.Duplicate("agent host", host.Name)
		}
	}
	if host.ID == "" {
		host.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	host.CreatedAt = now
	host.UpdatedAt = now
	host.Tags = agentmodels.NormalizeTags(host.Tags)
	if host.Status == "" {
		host.Status = models.StatusDisconnected
	}
	s.hosts[host.ID] = clone(host)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.AgentHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, apperrors.NotFound("agent host", id)
	}
	return clone(h), nil
}

func (s *MemoryStore) GetByName(_ context.Context, name string) (*models.AgentHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hosts {
		if h.Name == name {
			return clone(h), nil
		}
	}
	return nil, apperrors.NotFound("agent host", name)
}

func (s *MemoryStore) filter(match func(*models.AgentHost) bool) []*models.AgentHost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentHost, 0, len(s.hosts))
	for _, h := range s.hosts {
		if match(h) {
			out = append(out, clone(h))
		}
	}
	slices.SortFunc(out, func(a, b *models.AgentHost) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *MemoryStore) List(_ context.Context) ([]*models.AgentHost, error) {
	return s.filter(func(*models.AgentHost) bool { return true }), nil
}

func (s *MemoryStore) ListByKind(_ context.Context, kind models.Kind) ([]*models.AgentHost, error) {
	return s.filter(func(h *models.AgentHost) bool { return h.Kind == kind }), nil
}

func (s *MemoryStore) Update(_ context.Context, host *models.AgentHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[host.ID]; !ok {
		return apperrors.NotFound("agent host", host.ID)
	}
	for id, existing := range s.hosts {
		if id != host.ID && existing.Name == host.Name {
			return apperrors.Duplicate("agent host", host.Name)
		}
	}
	host.UpdatedAt = time.Now().UTC()
	host.Tags = agentmodels.NormalizeTags(host.Tags)
	s.hosts[host.ID] = clone(host)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[id]; !ok {
		return apperrors.NotFound("agent host", id)
	}
	delete(s.hosts, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
