package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/splax/glimpse/internal/domain"
)

// ErrNotFound indicates no project exists for the identifier.
var ErrNotFound = errors.New("registry: project not found")

// Registry is the authoritative in-memory table of project records. It is the
// single owner of the map; callers always receive copies, never references
// into shared state. It also hands out the per-project exclusivity token that
// serializes conflicting operations for one id.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*domain.Project

	locksMu sync.Mutex
	locks   map[string]*opLock
}

type opLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		projects: make(map[string]*domain.Project),
		locks:    make(map[string]*opLock),
	}
}

// Put stores a copy of the project, replacing any existing record.
func (r *Registry) Put(project domain.Project) {
	clone := cloneProject(project)
	r.mu.Lock()
	r.projects[project.ID] = &clone
	r.mu.Unlock()
}

// Get returns a copy of the project record.
func (r *Registry) Get(id string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[id]
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	return cloneProject(*project), nil
}

// Update applies fn to the stored record under the registry lock so the
// transition commits atomically. fn receives the live record; returning an
// error aborts the update and preserves the prior state.
func (r *Registry) Update(id string, fn func(*domain.Project) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	project, ok := r.projects[id]
	if !ok {
		return ErrNotFound
	}
	snapshot := cloneProject(*project)
	if err := fn(project); err != nil {
		*project = snapshot
		return err
	}
	return nil
}

// Delete erases the record. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.projects, id)
	r.mu.Unlock()
}

// List returns copies of all records ordered by creation time, newest first.
func (r *Registry) List() []domain.Project {
	r.mu.RLock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, project := range r.projects {
		out = append(out, cloneProject(*project))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of registered projects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

// Lock acquires the exclusivity token for a project id, blocking until any
// other in-flight operation on the same id releases it. Operations on
// different ids proceed concurrently.
func (r *Registry) Lock(id string) {
	r.locksMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &opLock{}
		r.locks[id] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
}

// Unlock releases the exclusivity token. The lock entry is dropped once no
// operation holds or waits on it, so deleted projects do not leak entries.
func (r *Registry) Unlock(id string) {
	r.locksMu.Lock()
	lock, ok := r.locks[id]
	if ok {
		lock.refs--
		if lock.refs <= 0 {
			delete(r.locks, id)
		}
	}
	r.locksMu.Unlock()
	if ok {
		lock.mu.Unlock()
	}
}

func cloneProject(p domain.Project) domain.Project {
	clone := p
	if p.BuildLogTail != nil {
		clone.BuildLogTail = append([]string(nil), p.BuildLogTail...)
	}
	return clone
}
