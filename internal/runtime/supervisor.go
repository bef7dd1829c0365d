package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/splax/glimpse/internal/domain"
)

var (
	// ErrAlreadyRunning indicates the project already has a live instance.
	ErrAlreadyRunning = errors.New("runtime: project already running")
	// ErrNotRunning indicates no live instance exists for the project.
	ErrNotRunning = errors.New("runtime: project not running")
)

// ExitHandler is invoked when a supervised process terminates on its own,
// after the supervisor has reclaimed the port. err is nil for a clean exit.
type ExitHandler func(id string, err error)

// Supervisor owns the live server processes and static mounts, one per
// project at most. Process handles never leave this package; callers observe
// only ports and errors.
type Supervisor struct {
	pool        *PortPool
	logger      *slog.Logger
	npmBin      string
	stopTimeout time.Duration
	onExit      ExitHandler

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	port   int
	cmd    *exec.Cmd
	server *http.Server
	// done is closed once the child process has been reaped. Static mounts
	// have no process and keep done nil.
	done chan struct{}
}

// NewSupervisor constructs a supervisor backed by the given port pool.
func NewSupervisor(pool *PortPool, logger *slog.Logger, npmBin string, stopTimeout time.Duration) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	if npmBin == "" {
		npmBin = "npm"
	}
	return &Supervisor{
		pool:        pool,
		logger:      logger.With("component", "supervisor"),
		npmBin:      npmBin,
		stopTimeout: stopTimeout,
		instances:   make(map[string]*instance),
	}
}

// SetExitHandler registers the callback for self-terminated processes. Must
// be called before the first Start.
func (s *Supervisor) SetExitHandler(handler ExitHandler) {
	s.onExit = handler
}

// Start launches the appropriate server for the project and returns the
// allocated internal port. Node-backed types get a child process in its own
// process group; static content gets an in-process file server. A second
// start for the same id fails with ErrAlreadyRunning, if no port is free the
// call fails with ErrPortExhausted and nothing is launched.
func (s *Supervisor) Start(project domain.Project) (int, error) {
	s.mu.Lock()
	if _, exists := s.instances[project.ID]; exists {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	// Reserve the slot before the (comparatively slow) launch so concurrent
	// starts for the same id cannot both proceed.
	s.instances[project.ID] = nil
	s.mu.Unlock()

	port, err := s.pool.Allocate()
	if err != nil {
		s.forget(project.ID)
		return 0, err
	}

	var inst *instance
	switch project.Type {
	case domain.TypeNode, domain.TypeNext:
		inst, err = s.startProcess(project, port)
	default:
		inst, err = s.startStaticMount(project, port)
	}
	if err != nil {
		s.pool.Release(port)
		s.forget(project.ID)
		return 0, err
	}

	s.mu.Lock()
	s.instances[project.ID] = inst
	s.mu.Unlock()

	if inst.cmd != nil {
		go s.reap(project.ID, inst)
	}
	s.logger.Info("instance started", "project_id", project.ID, "type", project.Type, "port", port)
	return port, nil
}

// Stop tears down the project's instance and releases its port. The port is
// free for reuse by the time Stop returns successfully.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok || inst == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	// Remove the entry first so the reaper knows this exit was deliberate.
	delete(s.instances, id)
	s.mu.Unlock()

	s.teardown(id, inst)
	s.pool.Release(inst.port)
	s.logger.Info("instance stopped", "project_id", id, "port", inst.port)
	return nil
}

// Running reports whether the project currently has a live instance.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return ok && inst != nil
}

// Active reports the number of live instances.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// StopAll tears down every live instance; used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("shutdown teardown failed", "project_id", id, "error", err)
		}
	}
}

// startProcess deliberately does not bind the child to the request context;
// the instance outlives the start call and is torn down via Stop.
func (s *Supervisor) startProcess(project domain.Project, port int) (*instance, error) {
	cmd := exec.Command(s.npmBin, "start")
	cmd.Dir = project.SourcePath
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", port),
		"HOST=127.0.0.1",
		"NODE_ENV=production",
	)
	// A process group of its own, so stopping kills npm and every child it
	// spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server process: %w", err)
	}
	return &instance{port: port, cmd: cmd, done: make(chan struct{})}, nil
}

func (s *Supervisor) startStaticMount(project domain.Project, port int) (*instance, error) {
	dir := project.SourcePath
	if project.BuildPath != "" {
		dir = project.BuildPath
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind static mount: %w", err)
	}
	server := &http.Server{
		Handler:           http.FileServer(http.Dir(dir)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("static mount serve failed", "project_id", project.ID, "error", err)
		}
	}()
	return &instance{port: port, server: server}, nil
}

// reap waits for the child process and reclaims its resources if it exited on
// its own rather than through Stop.
func (s *Supervisor) reap(id string, inst *instance) {
	err := inst.cmd.Wait()
	close(inst.done)

	s.mu.Lock()
	current, tracked := s.instances[id]
	deliberate := !tracked || current != inst
	if !deliberate {
		delete(s.instances, id)
	}
	s.mu.Unlock()
	if deliberate {
		// Stop owns the teardown and the port.
		return
	}

	s.logger.Warn("instance exited on its own", "project_id", id, "port", inst.port, "error", err)
	// Let the handler retire the port from any bookkeeping before the pool
	// can hand it to someone else.
	if s.onExit != nil {
		s.onExit(id, err)
	}
	s.pool.Release(inst.port)
}

func (s *Supervisor) teardown(id string, inst *instance) {
	if inst.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		if err := inst.server.Shutdown(shutdownCtx); err != nil {
			_ = inst.server.Close()
		}
		cancel()
		return
	}
	if inst.cmd == nil || inst.cmd.Process == nil {
		return
	}
	pid := inst.cmd.Process.Pid
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = inst.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-inst.done:
		return
	case <-time.After(s.stopTimeout):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = inst.cmd.Process.Kill()
	}
	select {
	case <-inst.done:
	case <-time.After(s.stopTimeout):
		s.logger.Error("process did not exit after SIGKILL", "project_id", id, "pid", pid)
	}
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()
}
