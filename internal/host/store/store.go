// Package store persists agent hosts.
package store

import (
	"context"

	"github.com/kandev/agentpool/internal/host/models"
)

// Repository is the host record store. Host names are unique.
type Repository interface {
	Create(ctx context.Context, host *models.AgentHost) error
	Get(ctx context.Context, id string) (*models.AgentHost, error)
	GetByName(ctx context.Context, name string) (*models.AgentHost, error)
	List(ctx context.Context) ([]*models.AgentHost, error)
	ListByKind(ctx context.Context, kind models.Kind) ([]*models.AgentHost, error)
	Update(ctx context.Context, host *models.AgentHost) error
	Delete(ctx context.Context, id string) error
	Close() error
}

func clone(h *models.AgentHost) *models.AgentHost {
	c := *h
	c.Tags = append([]string(nil), h.Tags...)
	if h.Config.LocalSocket != nil {
		v := *h.Config.LocalSocket
		c.Config.LocalSocket = &v
	}
	if h.Config.SSH != nil {
		v := *h.Config.SSH
		c.Config.SSH = &v
	}
	if h.Config.Cluster != nil {
		v := *h.Config.Cluster
		c.Config.Cluster = &v
	}
	return &c
}
