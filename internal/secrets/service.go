package secrets

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/logger"
)

// Service validates secrets and resolves them for host clients.
type Service struct {
	store  Store
	logger *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log.WithFields(zap.String("component", "secrets"))}
}

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)

const maxValueLen = 16384

func validateCreate(req *CreateRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if !nameRegex.MatchString(req.Name) {
		return apperrors.ValidationError("name", "must be 1-100 letters, digits, '.', '_' or '-'")
	}
	if req.Value == "" || len(req.Value) > maxValueLen {
		return apperrors.ValidationError("value", "must be 1-16384 characters")
	}
	if req.Category == "" {
		req.Category = CategoryCustom
	}
	if !validCategories[req.Category] {
		return apperrors.ValidationError("category", "unknown category "+string(req.Category))
	}
	return nil
}

// Create validates and stores a new secret. The value is not returned.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Secret, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	secret := &SecretWithValue{
		Secret: Secret{
			Name:        req.Name,
			Category:    req.Category,
			Description: req.Description,
			Metadata:    req.Metadata,
		},
		Value: req.Value,
	}
	if err := s.store.Create(ctx, secret); err != nil {
		return nil, err
	}
	s.logger.Info("secret created", zap.String("name", secret.Name), zap.String("category", string(secret.Category)))
	return &secret.Secret, nil
}

// Lookup returns the secret called name together with its decrypted value.
func (s *Service) Lookup(ctx context.Context, name string) (*SecretWithValue, error) {
	return s.store.GetByName(ctx, name)
}

func (s *Service) List(ctx context.Context) ([]*Secret, error) {
	return s.store.List(ctx)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
