// Package store persists agent records.
package store

import (
	"context"

	"github.com/kandev/agentpool/internal/agent/models"
)

// Repository is the agent record store. Names and tokens are unique;
// violations surface as errors.Duplicate, missing records as errors.NotFound.
type Repository interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	GetByName(ctx context.Context, name string) (*models.Agent, error)
	GetByToken(ctx context.Context, token string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
	ListByHost(ctx context.Context, hostID string) ([]*models.Agent, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
	Close() error
}

func clone(a *models.Agent) *models.Agent {
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	return &c
}
