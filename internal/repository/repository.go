package repository

import (
	"context"

	"github.com/splax/glimpse/internal/domain"
)

// ProjectRepository persists project records for restart reconciliation. The
// in-memory registry stays authoritative at runtime; the store is a
// write-through shadow of it.
type ProjectRepository interface {
	UpsertProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// EventRepository appends and reads the per-project audit history.
type EventRepository interface {
	AppendEvent(ctx context.Context, event *domain.ProjectEvent) error
	ListEventsByProject(ctx context.Context, projectID string, limit int) ([]domain.ProjectEvent, error)
	DeleteEventsByProject(ctx context.Context, projectID string) error
}
