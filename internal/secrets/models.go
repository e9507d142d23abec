// Package secrets stores credentials encrypted at rest. Hosts reference them by name.
package secrets

import "time"

// Category groups secrets by purpose.
type Category string

const (
	// CategorySSHKey holds a PEM encoded RSA private key.
	CategorySSHKey Category = "ssh_key"
	CategoryToken  Category = "token"
	CategoryCustom Category = "custom"
)

var validCategories = map[Category]bool{
	CategorySSHKey: true,
	CategoryToken:  true,
	CategoryCustom: true,
}

// Secret is the stored metadata of a secret, never the value.
type Secret struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Category    Category          `json:"category"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SecretWithValue carries the plaintext value. It is only handed to
// in-process callers and is never serialized in API responses.
type SecretWithValue struct {
	Secret
	Value string `json:"-"`
}

type CreateRequest struct {
	Name        string            `json:"name"`
	Category    Category          `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
	Value       string            `json:"value"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
