package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/pkg/models"
)

// Schema creates the tables used by PostgresStore. Every record is kept as
// a JSONB document next to the columns used for lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	is_active BOOLEAN NOT NULL,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	status TEXT NOT NULL,
	record JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_executions_workflow_id_idx ON workflow_executions (workflow_id);
CREATE TABLE IF NOT EXISTS build_projects (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	record JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// SaveWorkflow upserts a workflow.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, w *models.Workflow) error {
	c := *w
	if c.Slug == "" {
		c.Slug = c.ID
	}
	doc, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, slug, is_active, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			is_active = EXCLUDED.is_active,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Slug, c.IsActive, doc, c.CreatedAt, c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errs.Validation("slug %q is already used by another workflow", c.Slug)
	}
	return err
}

// GetWorkflow finds a workflow by id, then by slug.
func (s *PostgresStore) GetWorkflow(ctx context.Context, ref string) (*models.Workflow, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `
		SELECT definition FROM workflows
		WHERE id = $1 OR slug = $1
		ORDER BY (id = $1) DESC
		LIMIT 1`, ref).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("workflow", ref)
	}
	if err != nil {
		return nil, err
	}
	var w models.Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", ref, err)
	}
	return &w, nil
}

// ListWorkflows returns all workflows ordered by id.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT definition FROM workflows ORDER BY id")
	if err != nil {
		return nil, err
	}
	return collectJSON[models.Workflow](rows)
}

// DeleteWorkflow removes a workflow.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("workflow", id)
	}
	return nil
}

// SaveExecution upserts an execution.
func (s *PostgresStore) SaveExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, subject_id, status, record, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record`,
		exec.ID, exec.WorkflowID, exec.SubjectID, string(exec.Status), doc, exec.StartedAt)
	return err
}

// GetExecution returns an execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, "SELECT record FROM workflow_executions WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	var exec models.WorkflowExecution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns executions newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT record FROM workflow_executions
		WHERE $1 = '' OR workflow_id = $1
		ORDER BY started_at DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	return collectJSON[models.WorkflowExecution](rows)
}

// SaveProject upserts a project.
func (s *PostgresStore) SaveProject(ctx context.Context, p *models.BuildProject) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO build_projects (id, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Status), doc, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject returns a project by id.
func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.BuildProject, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, "SELECT record FROM build_projects WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	var p models.BuildProject
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns projects newest first.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]*models.BuildProject, error) {
	rows, err := s.db.Query(ctx, "SELECT record FROM build_projects ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return collectJSON[models.BuildProject](rows)
}

// DeleteProject removes a project.
func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM build_projects WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("project", id)
	}
	return nil
}

// collectJSON decodes the single JSONB column of every row.
func collectJSON[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
