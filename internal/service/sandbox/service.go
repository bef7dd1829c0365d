package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/glimpse/internal/archive"
	"github.com/splax/glimpse/internal/build"
	"github.com/splax/glimpse/internal/detect"
	"github.com/splax/glimpse/internal/domain"
	"github.com/splax/glimpse/internal/registry"
	"github.com/splax/glimpse/internal/repository"
	"github.com/splax/glimpse/internal/runtime"
	"github.com/splax/glimpse/internal/workspace"
	"github.com/splax/glimpse/internal/ws"
	"github.com/splax/glimpse/pkg/config"
)

var (
	// ErrInvalidArchive wraps malformed, oversized or path-traversing uploads.
	ErrInvalidArchive = errors.New("sandbox: invalid archive")
	// ErrUnsupportedProject indicates detection found nothing servable.
	ErrUnsupportedProject = errors.New("sandbox: unsupported project")
	// ErrNotFound indicates no project exists for the id.
	ErrNotFound = errors.New("sandbox: project not found")
	// ErrAlreadyRunning indicates a start on a running project.
	ErrAlreadyRunning = errors.New("sandbox: project already running")
	// ErrNotRunning indicates a stop on a project that cannot be stopped.
	ErrNotRunning = errors.New("sandbox: project not running")
	// ErrNotStartable indicates a start outside the ready state.
	ErrNotStartable = errors.New("sandbox: project not in a startable state")
	// ErrPortExhausted indicates no free internal port for a start request.
	ErrPortExhausted = errors.New("sandbox: no free port available")
)

// Service orchestrates the sandbox project lifecycle: upload, classification,
// asynchronous builds, start/stop and reclaim. Per-project operations are
// serialized through the registry's exclusivity token; operations on
// different projects proceed concurrently.
type Service struct {
	registry   *registry.Registry
	workspace  *workspace.Manager
	builder    *build.Runner
	supervisor *runtime.Supervisor
	hub        *ws.Hub
	projects   repository.ProjectRepository
	events     repository.EventRepository
	logger     *slog.Logger
	cfg        config.SandboxConfig

	// builds maps project id to the cancel func of its in-flight build so a
	// delete or sweep can abort the pipeline instead of waiting it out.
	builds sync.Map

	now func() time.Time
}

// New constructs the sandbox service and registers the supervisor exit
// handler so self-terminated instances are demoted in the registry.
func New(reg *registry.Registry, wsManager *workspace.Manager, builder *build.Runner, supervisor *runtime.Supervisor, hub *ws.Hub, projectRepo repository.ProjectRepository, eventRepo repository.EventRepository, logger *slog.Logger, cfg config.SandboxConfig) *Service {
	s := &Service{
		registry:   reg,
		workspace:  wsManager,
		builder:    builder,
		supervisor: supervisor,
		hub:        hub,
		projects:   projectRepo,
		events:     eventRepo,
		logger:     logger.With("component", "sandbox"),
		cfg:        cfg,
		now:        time.Now,
	}
	supervisor.SetExitHandler(s.handleInstanceExit)
	return s
}

// Create registers a new project from an uploaded archive. Extraction and
// detection run synchronously; for buildable types the build pipeline is
// started in the background and the returned summary carries status
// "building".
func (s *Service) Create(ctx context.Context, name string, payload []byte) (domain.Summary, error) {
	id := uuid.NewString()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "project-" + id[:8]
	}

	src, err := s.workspace.Prepare(id)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("prepare workspace: %w", err)
	}
	if err := archive.Extract(payload, src, s.cfg.MaxArchiveBytes); err != nil {
		if removeErr := s.workspace.Remove(id); removeErr != nil {
			s.logger.Warn("cleanup after failed extraction", "project_id", id, "error", removeErr)
		}
		return domain.Summary{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	typ, err := detect.Classify(src)
	if err != nil {
		if removeErr := s.workspace.Remove(id); removeErr != nil {
			s.logger.Warn("cleanup after failed detection", "project_id", id, "error", removeErr)
		}
		return domain.Summary{}, fmt.Errorf("%w: %v", ErrUnsupportedProject, err)
	}

	now := s.now().UTC()
	project := domain.Project{
		ID:         id,
		Name:       name,
		Type:       typ,
		Status:     domain.StatusPending,
		SourcePath: src,
		URL:        s.previewURL(id),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.ProjectTTL),
	}
	if typ.Buildable() {
		project.Status = domain.StatusBuilding
	} else {
		project.Status = domain.StatusReady
	}

	s.registry.Put(project)
	s.persist(ctx, project)
	s.emitEvent(ctx, id, "project_created", "info", "project created", map[string]any{
		"name": name,
		"type": string(typ),
	})
	s.logger.Info("project created", "project_id", id, "name", name, "type", typ, "status", project.Status)

	if typ.Buildable() {
		go s.runBuild(id)
	}
	return project.Summarize(), nil
}

// Get returns the summary for one project.
func (s *Service) Get(ctx context.Context, id string) (domain.Summary, error) {
	project, err := s.registry.Get(id)
	if err != nil {
		return domain.Summary{}, ErrNotFound
	}
	return project.Summarize(), nil
}

// List returns summaries of all projects, newest first.
func (s *Service) List(ctx context.Context) []domain.Summary {
	projects := s.registry.List()
	out := make([]domain.Summary, len(projects))
	for i, project := range projects {
		out[i] = project.Summarize()
	}
	return out
}

// Port reports the internal port for a running project; used by the front
// door to route preview traffic. The port is never part of summaries.
func (s *Service) Port(id string) (int, error) {
	project, err := s.registry.Get(id)
	if err != nil {
		return 0, ErrNotFound
	}
	if project.Status != domain.StatusRunning || project.Port == 0 {
		return 0, ErrNotRunning
	}
	return project.Port, nil
}

// Start launches the project's instance. Legal only from ready; the port is
// allocated and the running transition committed atomically with respect to
// other operations on the same project.
func (s *Service) Start(ctx context.Context, id string) (domain.Summary, error) {
	s.registry.Lock(id)
	defer s.registry.Unlock(id)

	project, err := s.registry.Get(id)
	if err != nil {
		return domain.Summary{}, ErrNotFound
	}
	switch project.Status {
	case domain.StatusRunning:
		return domain.Summary{}, ErrAlreadyRunning
	case domain.StatusReady:
	default:
		return domain.Summary{}, fmt.Errorf("%w (status %s)", ErrNotStartable, project.Status)
	}

	port, err := s.supervisor.Start(project)
	if err != nil {
		if errors.Is(err, runtime.ErrPortExhausted) {
			return domain.Summary{}, ErrPortExhausted
		}
		if errors.Is(err, runtime.ErrAlreadyRunning) {
			return domain.Summary{}, ErrAlreadyRunning
		}
		return domain.Summary{}, fmt.Errorf("start instance: %w", err)
	}

	updateErr := s.registry.Update(id, func(p *domain.Project) error {
		p.Status = domain.StatusRunning
		p.Port = port
		return nil
	})
	if updateErr != nil {
		// Registry entry vanished between Get and Update; undo the launch.
		if stopErr := s.supervisor.Stop(id); stopErr != nil && !errors.Is(stopErr, runtime.ErrNotRunning) {
			s.logger.Error("rollback stop failed", "project_id", id, "error", stopErr)
		}
		return domain.Summary{}, ErrNotFound
	}

	project, _ = s.registry.Get(id)
	s.persist(ctx, project)
	s.emitEvent(ctx, id, "project_started", "info", "instance started", map[string]any{"port": port})
	s.logger.Info("project started", "project_id", id, "port", port)
	return project.Summarize(), nil
}

// Stop tears the project's instance down and returns it to ready. Stopping a
// project that is already stopped is a no-op.
func (s *Service) Stop(ctx context.Context, id string) (domain.Summary, error) {
	s.registry.Lock(id)
	defer s.registry.Unlock(id)

	project, err := s.registry.Get(id)
	if err != nil {
		return domain.Summary{}, ErrNotFound
	}
	switch project.Status {
	case domain.StatusRunning:
	case domain.StatusReady:
		// Already stopped.
		return project.Summarize(), nil
	default:
		return domain.Summary{}, fmt.Errorf("%w (status %s)", ErrNotRunning, project.Status)
	}

	// Demote the record before teardown: the supervisor returns the port to
	// the pool, and by then no registry entry may still claim it.
	_ = s.registry.Update(id, func(p *domain.Project) error {
		p.Status = domain.StatusReady
		p.Port = 0
		return nil
	})
	if err := s.supervisor.Stop(id); err != nil && !errors.Is(err, runtime.ErrNotRunning) {
		s.logger.Error("instance teardown failed", "project_id", id, "error", err)
	}

	project, _ = s.registry.Get(id)
	s.persist(ctx, project)
	s.emitEvent(ctx, id, "project_stopped", "info", "instance stopped", nil)
	s.logger.Info("project stopped", "project_id", id)
	return project.Summarize(), nil
}

// Delete tears down the project regardless of state: an in-flight build is
// cancelled, a running instance stopped, files removed and the registry
// entry erased. Unknown ids return ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	// Abort a build first so its goroutine surrenders the project lock
	// promptly instead of being waited out.
	if cancel, ok := s.builds.Load(id); ok {
		cancel.(context.CancelFunc)()
	}

	s.registry.Lock(id)
	defer s.registry.Unlock(id)

	project, err := s.registry.Get(id)
	if err != nil {
		return ErrNotFound
	}

	// Erase the record before teardown frees the port; a leftover workspace
	// tree is reclaimed as an orphan on the next restore.
	s.registry.Delete(id)
	if err := s.supervisor.Stop(id); err != nil && !errors.Is(err, runtime.ErrNotRunning) {
		s.logger.Warn("teardown during delete failed", "project_id", id, "error", err)
	}
	if err := s.workspace.Remove(id); err != nil {
		return fmt.Errorf("remove project files: %w", err)
	}

	if s.projects != nil {
		if err := s.projects.DeleteProject(ctx, id); err != nil {
			s.logger.Warn("delete stored project failed", "project_id", id, "error", err)
		}
	}
	if s.events != nil {
		if err := s.events.DeleteEventsByProject(ctx, id); err != nil {
			s.logger.Warn("delete stored events failed", "project_id", id, "error", err)
		}
	}
	s.hub.DropProject(id)
	s.logger.Info("project deleted", "project_id", id, "status_at_delete", project.Status)
	return nil
}

// Sweep removes every project whose lifetime has elapsed, regardless of
// state, and reports how many were reclaimed.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.now()
	reclaimed := 0
	for _, project := range s.registry.List() {
		if !project.Expired(now) {
			continue
		}
		if err := s.Delete(ctx, project.ID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("sweep delete failed", "project_id", project.ID, "error", err)
			}
			continue
		}
		s.logger.Info("project expired and reclaimed", "project_id", project.ID, "expired_at", project.ExpiresAt)
		reclaimed++
	}
	return reclaimed
}

// BuildLog returns the retained build output tail and the last build error.
func (s *Service) BuildLog(ctx context.Context, id string) ([]string, string, error) {
	project, err := s.registry.Get(id)
	if err != nil {
		return nil, "", ErrNotFound
	}
	return project.BuildLogTail, project.BuildError, nil
}

// Events returns the stored audit history for a project.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]domain.ProjectEvent, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, ErrNotFound
	}
	if s.events == nil {
		return nil, nil
	}
	return s.events.ListEventsByProject(ctx, id, limit)
}

// Stats summarizes registry and runtime occupancy for metrics export.
type Stats struct {
	Projects  int
	Building  int
	Running   int
	Instances int
}

// Snapshot computes current occupancy.
func (s *Service) Snapshot() Stats {
	stats := Stats{Instances: s.supervisor.Active()}
	for _, project := range s.registry.List() {
		stats.Projects++
		switch project.Status {
		case domain.StatusBuilding:
			stats.Building++
		case domain.StatusRunning:
			stats.Running++
		}
	}
	return stats
}

// Close tears down every live instance; used on shutdown.
func (s *Service) Close() {
	s.supervisor.StopAll()
	s.hub.Close()
}

func (s *Service) runBuild(id string) {
	buildCtx, cancel := context.WithCancel(context.Background())
	s.builds.Store(id, cancel)
	defer func() {
		cancel()
		s.builds.Delete(id)
	}()

	s.registry.Lock(id)
	defer s.registry.Unlock(id)

	project, err := s.registry.Get(id)
	if err != nil || project.Status != domain.StatusBuilding {
		// Deleted (or otherwise moved on) before the build could begin.
		return
	}

	buildDir, err := s.workspace.BuildPath(id, true)
	if err != nil {
		s.finishBuild(id, "", nil, err)
		return
	}

	s.emitEvent(buildCtx, id, "build_started", "info", "build pipeline started", nil)
	sink := func(line string) {
		s.broadcast(id, "build_output", "info", line, nil)
	}
	artifact, tail, err := s.builder.Run(buildCtx, id, project.SourcePath, buildDir, project.Type, sink)
	if buildCtx.Err() != nil && errors.Is(err, context.Canceled) {
		// Aborted by delete or sweep; the canceller owns the state.
		return
	}
	s.finishBuild(id, artifact, tail, err)
}

// finishBuild commits the terminal build transition. Called with the
// project lock held.
func (s *Service) finishBuild(id, artifact string, tail []string, buildErr error) {
	updateErr := s.registry.Update(id, func(p *domain.Project) error {
		p.BuildLogTail = tail
		if buildErr != nil {
			p.Status = domain.StatusError
			p.BuildError = buildErr.Error()
			return nil
		}
		p.Status = domain.StatusReady
		p.BuildPath = artifact
		return nil
	})
	if updateErr != nil {
		return
	}

	project, err := s.registry.Get(id)
	if err != nil {
		return
	}
	s.persist(context.Background(), project)
	if buildErr != nil {
		s.emitEvent(context.Background(), id, "build_failed", "error", buildErr.Error(), nil)
		s.logger.Error("build failed", "project_id", id, "error", buildErr)
		return
	}
	s.emitEvent(context.Background(), id, "build_succeeded", "info", "build completed", map[string]any{
		"artifact_present": artifact != "",
	})
	s.logger.Info("build succeeded", "project_id", id)
}

// handleInstanceExit demotes a project whose process died on its own. The
// supervisor has already reclaimed the port.
func (s *Service) handleInstanceExit(id string, exitErr error) {
	s.registry.Lock(id)
	defer s.registry.Unlock(id)

	project, err := s.registry.Get(id)
	if err != nil || project.Status != domain.StatusRunning {
		return
	}
	status := domain.StatusReady
	message := "instance exited"
	level := "info"
	if exitErr != nil {
		status = domain.StatusError
		message = fmt.Sprintf("instance exited: %v", exitErr)
		level = "error"
	}
	_ = s.registry.Update(id, func(p *domain.Project) error {
		p.Status = status
		p.Port = 0
		if exitErr != nil {
			p.BuildError = message
		}
		return nil
	})
	project, _ = s.registry.Get(id)
	s.persist(context.Background(), project)
	s.emitEvent(context.Background(), id, "instance_exit", level, message, nil)
	s.logger.Warn("instance exited outside stop", "project_id", id, "error", exitErr)
}

// Restore reconciles the registry with the persistent store and the on-disk
// workspace after a restart. Processes never survive a restart, so running
// demotes to ready and an interrupted build to error.
func (s *Service) Restore(ctx context.Context) error {
	diskIDs, err := s.workspace.List()
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}
	onDisk := make(map[string]bool, len(diskIDs))
	for _, id := range diskIDs {
		onDisk[id] = true
	}

	if s.projects == nil {
		// Nothing to re-derive metadata from; reclaim leftover trees.
		for _, id := range diskIDs {
			if err := s.workspace.Remove(id); err != nil {
				s.logger.Warn("reclaim orphan workspace failed", "project_id", id, "error", err)
			}
		}
		if len(diskIDs) > 0 {
			s.logger.Info("reclaimed orphan workspaces", "count", len(diskIDs))
		}
		return nil
	}

	stored, err := s.projects.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list stored projects: %w", err)
	}
	restored := 0
	for _, project := range stored {
		if !onDisk[project.ID] {
			// Record without files; drop it.
			if err := s.projects.DeleteProject(ctx, project.ID); err != nil {
				s.logger.Warn("drop stale record failed", "project_id", project.ID, "error", err)
			}
			if s.events != nil {
				_ = s.events.DeleteEventsByProject(ctx, project.ID)
			}
			continue
		}
		delete(onDisk, project.ID)

		switch project.Status {
		case domain.StatusRunning:
			project.Status = domain.StatusReady
			project.Port = 0
		case domain.StatusBuilding:
			project.Status = domain.StatusError
			project.BuildError = "build interrupted by restart"
		}
		s.registry.Put(project)
		s.persist(ctx, project)
		restored++
	}
	// Directories without records are unreachable; reclaim them.
	for id := range onDisk {
		if err := s.workspace.Remove(id); err != nil {
			s.logger.Warn("reclaim orphan workspace failed", "project_id", id, "error", err)
		}
	}
	s.logger.Info("registry restored", "projects", restored, "orphans", len(onDisk))
	return nil
}

func (s *Service) previewURL(id string) string {
	prefix := strings.TrimRight(s.cfg.PreviewPathPrefix, "/")
	if prefix == "" {
		prefix = "/p"
	}
	return prefix + "/" + id + "/"
}

func (s *Service) persist(ctx context.Context, project domain.Project) {
	if s.projects == nil {
		return
	}
	if err := s.projects.UpsertProject(ctx, &project); err != nil {
		s.logger.Warn("persist project failed", "project_id", project.ID, "error", err)
	}
}

// emitEvent stores the event (when a store is configured) and broadcasts it
// to live subscribers.
func (s *Service) emitEvent(ctx context.Context, projectID, eventType, level, message string, metadata map[string]any) {
	var payload json.RawMessage
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			s.logger.Warn("event metadata marshal failed", "project_id", projectID, "error", err)
		} else {
			payload = encoded
		}
	}
	if s.events != nil {
		event := domain.ProjectEvent{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			EventType:  eventType,
			Level:      level,
			Message:    message,
			Metadata:   payload,
			OccurredAt: s.now().UTC(),
		}
		if err := s.events.AppendEvent(ctx, &event); err != nil {
			s.logger.Warn("append event failed", "project_id", projectID, "event_type", eventType, "error", err)
		}
	}
	s.broadcast(projectID, eventType, level, message, metadata)
}

// broadcast pushes one event to websocket subscribers without persisting it.
func (s *Service) broadcast(projectID, eventType, level, message string, metadata map[string]any) {
	frame := map[string]any{
		"project_id": projectID,
		"event_type": eventType,
		"level":      level,
		"message":    message,
		"timestamp":  s.now().UTC().Format(time.RFC3339Nano),
	}
	if len(metadata) > 0 {
		frame["metadata"] = metadata
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.hub.Broadcast(projectID, encoded)
}
