package secrets

import "context"

// Store persists secrets. Implementations encrypt values themselves.
type Store interface {
	Create(ctx context.Context, secret *SecretWithValue) error
	GetByName(ctx context.Context, name string) (*SecretWithValue, error)
	List(ctx context.Context) ([]*Secret, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
