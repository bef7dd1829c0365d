package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/glimpse/internal/domain"
	"github.com/splax/glimpse/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.EventRepository   = (*Repository)(nil)
)

// UpsertProject writes the project record, replacing any prior row.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, type, status, source_path, build_path, url, build_error, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			source_path = EXCLUDED.source_path,
			build_path = EXCLUDED.build_path,
			url = EXCLUDED.url,
			build_error = EXCLUDED.build_error,
			expires_at = EXCLUDED.expires_at`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, string(project.Type), string(project.Status),
		project.SourcePath, project.BuildPath, project.URL, project.BuildError,
		project.CreatedAt, project.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProjectByID fetches one project record.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, name, type, status, source_path, build_path, url, build_error, created_at, expires_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// ListProjects returns every stored project record.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, type, status, source_path, build_path, url, build_error, created_at, expires_at
		FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// DeleteProject removes the record; unknown ids are a no-op.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// AppendEvent inserts one audit event.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.ProjectEvent) error {
	const query = `INSERT INTO project_events (id, project_id, event_type, level, message, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		event.ID, event.ProjectID, event.EventType, event.Level, event.Message, event.Metadata, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsByProject returns the most recent events for a project.
func (r *Repository) ListEventsByProject(ctx context.Context, projectID string, limit int) ([]domain.ProjectEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, project_id, event_type, level, message, metadata, occurred_at
		FROM project_events WHERE project_id = $1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ProjectEvent
	for rows.Next() {
		var e domain.ProjectEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.Level, &e.Message, &e.Metadata, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsByProject erases the audit history of a deleted project.
func (r *Repository) DeleteEventsByProject(ctx context.Context, projectID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project_events WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var (
		p           domain.Project
		typ, status string
	)
	if err := row.Scan(&p.ID, &p.Name, &typ, &status, &p.SourcePath, &p.BuildPath, &p.URL, &p.BuildError, &p.CreatedAt, &p.ExpiresAt); err != nil {
		return nil, err
	}
	p.Type = domain.ProjectType(typ)
	p.Status = domain.Status(status)
	return &p, nil
}
