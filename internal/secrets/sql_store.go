package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/db"
	"github.com/kandev/agentpool/internal/db/dialect"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	crypto *MasterKeyProvider
}

var _ Store = (*sqlStore)(nil)

// Provide creates the secret store on the shared pool.
func Provide(pool *db.Pool, crypto *MasterKeyProvider) (Store, error) {
	s := &sqlStore{db: pool.Writer(), ro: pool.Reader(), crypto: crypto}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	blob := dialect.BlobType(s.db.DriverName())
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		category        TEXT NOT NULL DEFAULT 'custom',
		description     TEXT NOT NULL DEFAULT '',
		encrypted_value ` + blob + ` NOT NULL,
		nonce           ` + blob + ` NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_category ON secrets(category);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return nil }

func (s *sqlStore) Create(ctx context.Context, secret *SecretWithValue) error {
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	secret.CreatedAt = now
	secret.UpdatedAt = now
	if secret.Category == "" {
		secret.Category = CategoryCustom
	}

	ciphertext, nonce, err := Encrypt([]byte(secret.Value), s.crypto.Key())
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	metadata, err := json.Marshal(secret.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO secrets (id, name, category, description, encrypted_value, nonce, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		secret.ID, secret.Name, string(secret.Category), secret.Description, ciphertext, nonce,
		string(metadata), now, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Duplicate("secret", secret.Name)
		}
		return fmt.Errorf("insert secret: %w", err)
	}
	return nil
}

func (s *sqlStore) GetByName(ctx context.Context, name string) (*SecretWithValue, error) {
	var row secretRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT id, name, category, description, encrypted_value, nonce, metadata, created_at, updated_at
		FROM secrets WHERE name = ?`), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("secret", name)
		}
		return nil, fmt.Errorf("get secret: %w", err)
	}

	plaintext, err := Decrypt(row.EncryptedValue, row.Nonce, s.crypto.Key())
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return &SecretWithValue{Secret: row.toSecret(), Value: string(plaintext)}, nil
}

func (s *sqlStore) List(ctx context.Context) ([]*Secret, error) {
	var rows []secretRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, name, category, description, metadata, created_at, updated_at
		FROM secrets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	out := make([]*Secret, len(rows))
	for i := range rows {
		sec := rows[i].toSecret()
		out[i] = &sec
	}
	return out, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM secrets WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("secret", id)
	}
	return nil
}

type secretRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Category       string    `db:"category"`
	Description    string    `db:"description"`
	EncryptedValue []byte    `db:"encrypted_value"`
	Nonce          []byte    `db:"nonce"`
	Metadata       string    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *secretRow) toSecret() Secret {
	s := Secret{
		ID:          r.ID,
		Name:        r.Name,
		Category:    Category(r.Category),
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &s.Metadata)
	}
	return s
}
