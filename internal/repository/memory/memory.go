package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/glimpse/internal/domain"
	"github.com/splax/glimpse/internal/repository"
)

// Repository is an in-memory implementation of the persistence interfaces,
// used when no database is configured and by tests.
type Repository struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	events   map[string][]domain.ProjectEvent
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects: make(map[string]domain.Project),
		events:   make(map[string][]domain.ProjectEvent),
	}
}

var (
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.EventRepository   = (*Repository)(nil)
)

// UpsertProject stores a copy of the record.
func (r *Repository) UpsertProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[project.ID] = *project
	return nil
}

// GetProjectByID fetches one record.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

// ListProjects returns all records, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, project := range r.projects {
		out = append(out, project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteProject removes a record; unknown ids are a no-op.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, id)
	return nil
}

// AppendEvent stores one audit event.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.ProjectEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.ProjectID] = append(r.events[event.ProjectID], *event)
	return nil
}

// ListEventsByProject returns the most recent events, newest first.
func (r *Repository) ListEventsByProject(ctx context.Context, projectID string, limit int) ([]domain.ProjectEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.events[projectID]
	out := make([]domain.ProjectEvent, len(stored))
	for i, event := range stored {
		out[len(stored)-1-i] = event
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteEventsByProject erases a project's history.
func (r *Repository) DeleteEventsByProject(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, projectID)
	return nil
}
