package store

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

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/db"
	"github.com/kandev/agentpool/internal/host/models"
)

// SQLStore stores hosts through sqlx. The kind-specific descriptor is kept as JSON.
type SQLStore struct {
	db *sqlx.DB
	ro *sqlx.DB
}

var _ Repository = (*SQLStore)(nil)

// NewSQLStore creates the agent_hosts table if needed.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader()}
	schema := `
	CREATE TABLE IF NOT EXISTS agent_hosts (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		kind        TEXT NOT NULL,
		tags        TEXT NOT NULL DEFAULT '[]',
		max_size    INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'disconnected',
		error       TEXT NOT NULL DEFAULT '',
		config      TEXT NOT NULL DEFAULT '{}',
		max_idle    INTEGER NOT NULL DEFAULT 0,
		max_offline INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_hosts_kind ON agent_hosts(kind);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("agent_hosts schema init: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Close() error { return nil }

const hostColumns = `id, name, kind, tags, max_size, status, error, config, max_idle, max_offline, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, host *models.AgentHost) error {
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

	row, err := toRow(host)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agent_hosts (`+hostColumns+`)
		VALUES (:id, :name, :kind, :tags, :max_size, :status, :error, :config, :max_idle, :max_offline, :created_at, :updated_at)`,
		row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Duplicate("agent host", host.Name)
		}
		return fmt.Errorf("insert agent host: %w", err)
	}
	return nil
}

func (s *SQLStore) getBy(ctx context.Context, column, value string) (*models.AgentHost, error) {
	var row hostRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`SELECT `+hostColumns+` FROM agent_hosts WHERE `+column+` = ?`), value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent host", value)
		}
		return nil, fmt.Errorf("get agent host: %w", err)
	}
	return row.toHost()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.AgentHost, error) {
	return s.getBy(ctx, "id", id)
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (*models.AgentHost, error) {
	return s.getBy(ctx, "name", name)
}

func (s *SQLStore) selectHosts(ctx context.Context, query string, args ...any) ([]*models.AgentHost, error) {
	var rows []hostRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list agent hosts: %w", err)
	}
	hosts := make([]*models.AgentHost, 0, len(rows))
	for i := range rows {
		h, err := rows[i].toHost()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.AgentHost, error) {
	return s.selectHosts(ctx, `SELECT `+hostColumns+` FROM agent_hosts ORDER BY created_at`)
}

func (s *SQLStore) ListByKind(ctx context.Context, kind models.Kind) ([]*models.AgentHost, error) {
	return s.selectHosts(ctx, `SELECT `+hostColumns+` FROM agent_hosts WHERE kind = ? ORDER BY created_at`, string(kind))
}

func (s *SQLStore) Update(ctx context.Context, host *models.AgentHost) error {
	host.UpdatedAt = time.Now().UTC()
	host.Tags = agentmodels.NormalizeTags(host.Tags)
	row, err := toRow(host)
	if err != nil {
		return err
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE agent_hosts SET name = :name, kind = :kind, tags = :tags, max_size = :max_size,
			status = :status, error = :error, config = :config,
			max_idle = :max_idle, max_offline = :max_offline, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Duplicate("agent host", host.Name)
		}
		return fmt.Errorf("update agent host: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent host", host.ID)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agent_hosts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete agent host: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent host", id)
	}
	return nil
}

type hostRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	Kind       string    `db:"kind"`
	Tags       string    `db:"tags"`
	MaxSize    int       `db:"max_size"`
	Status     string    `db:"status"`
	Error      string    `db:"error"`
	Config     string    `db:"config"`
	MaxIdle    int64     `db:"max_idle"`
	MaxOffline int64     `db:"max_offline"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Thresholds are stored in whole seconds.
func toRow(h *models.AgentHost) (*hostRow, error) {
	tags, err := json.Marshal(h.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	cfg, err := json.Marshal(h.Config)
	if err != nil {
		return nil, fmt.Errorf("encode host config: %w", err)
	}
	return &hostRow{
		ID:         h.ID,
		Name:       h.Name,
		Kind:       string(h.Kind),
		Tags:       string(tags),
		MaxSize:    h.MaxSize,
		Status:     string(h.Status),
		Error:      h.Error,
		Config:     string(cfg),
		MaxIdle:    int64(h.MaxIdle / time.Second),
		MaxOffline: int64(h.MaxOffline / time.Second),
		CreatedAt:  h.CreatedAt.UTC(),
		UpdatedAt:  h.UpdatedAt.UTC(),
	}, nil
}

func (r *hostRow) toHost() (*models.AgentHost, error) {
	h := &models.AgentHost{
		ID:         r.ID,
		Name:       r.Name,
		Kind:       models.Kind(r.Kind),
		MaxSize:    r.MaxSize,
		Status:     models.Status(r.Status),
		Error:      r.Error,
		MaxIdle:    time.Duration(r.MaxIdle) * time.Second,
		MaxOffline: time.Duration(r.MaxOffline) * time.Second,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Tags), &h.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of host %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Config), &h.Config); err != nil {
		return nil, fmt.Errorf("decode config of host %s: %w", r.ID, err)
	}
	return h, nil
}
