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

	"github.com/kandev/agentpool/internal/agent/models"
	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/db"
)

// SQLStore stores agents in SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLStore)(nil)

// NewSQLStore creates the agents table if needed.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("agents schema init: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL UNIQUE,
		token             TEXT NOT NULL UNIQUE,
		tags              TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL,
		job_id            TEXT NOT NULL DEFAULT '',
		host_id           TEXT NOT NULL DEFAULT '',
		url               TEXT NOT NULL DEFAULT '',
		os                TEXT NOT NULL DEFAULT '',
		resource          TEXT NOT NULL DEFAULT '{}',
		status_changed_at TIMESTAMP NOT NULL,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_host_id ON agents(host_id);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
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

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

const agentColumns = `id, name, token, tags, status, job_id, host_id, url, os, resource, status_changed_at, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, agent *models.Agent) error {
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

	row, err := toRow(agent)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (:id, :name, :token, :tags, :status, :job_id, :host_id, :url, :os, :resource, :status_changed_at, :created_at, :updated_at)`,
		row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Duplicate("agent", agent.Name)
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) getBy(ctx context.Context, column, value string) (*models.Agent, error) {
	var row agentRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`SELECT `+agentColumns+` FROM agents WHERE `+column+` = ?`), value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent", value)
		}
		return nil, fmt.Errorf("get agent by %s: %w", column, err)
	}
	return row.toAgent()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.getBy(ctx, "id", id)
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (*models.Agent, error) {
	return s.getBy(ctx, "name", name)
}

func (s *SQLStore) GetByToken(ctx context.Context, token string) (*models.Agent, error) {
	return s.getBy(ctx, "token", token)
}

func (s *SQLStore) selectAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	var rows []agentRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Agent, error) {
	return s.selectAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

func (s *SQLStore) ListByHost(ctx context.Context, hostID string) ([]*models.Agent, error) {
	return s.selectAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE host_id = ? ORDER BY created_at`, hostID)
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+agentColumns+` FROM agents WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	return s.selectAgents(ctx, query, args...)
}

func (s *SQLStore) Update(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	agent.Tags = models.NormalizeTags(agent.Tags)
	row, err := toRow(agent)
	if err != nil {
		return err
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE agents SET name = :name, token = :token, tags = :tags, status = :status, job_id = :job_id,
			host_id = :host_id, url = :url, os = :os, resource = :resource,
			status_changed_at = :status_changed_at, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperrors.Duplicate("agent", agent.Name)
		}
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

type agentRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	Token           string    `db:"token"`
	Tags            string    `db:"tags"`
	Status          string    `db:"status"`
	JobID           string    `db:"job_id"`
	HostID          string    `db:"host_id"`
	URL             string    `db:"url"`
	OS              string    `db:"os"`
	Resource        string    `db:"resource"`
	StatusChangedAt time.Time `db:"status_changed_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toRow(a *models.Agent) (*agentRow, error) {
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	resource, err := json.Marshal(a.Resource)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return &agentRow{
		ID:              a.ID,
		Name:            a.Name,
		Token:           a.Token,
		Tags:            string(tags),
		Status:          string(a.Status),
		JobID:           a.JobID,
		HostID:          a.HostID,
		URL:             a.URL,
		OS:              a.OS,
		Resource:        string(resource),
		StatusChangedAt: a.StatusChangedAt.UTC(),
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}, nil
}

func (r *agentRow) toAgent() (*models.Agent, error) {
	a := &models.Agent{
		ID:              r.ID,
		Name:            r.Name,
		Token:           r.Token,
		Status:          models.Status(r.Status),
		JobID:           r.JobID,
		HostID:          r.HostID,
		URL:             r.URL,
		OS:              r.OS,
		StatusChangedAt: r.StatusChangedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of agent %s: %w", r.ID, err)
	}
	if r.Resource != "" {
		if err := json.Unmarshal([]byte(r.Resource), &a.Resource); err != nil {
			return nil, fmt.Errorf("decode resource of agent %s: %w", r.ID, err)
		}
	}
	return a, nil
}
