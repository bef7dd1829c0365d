package runtime

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/glimpse/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticProject(t *testing.T, id string) domain.Project {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>hello</html>"), 0o644); err != nil {
		t.Fatalf("write index.html: %v", err)
	}
	return domain.Project{ID: id, Type: domain.TypeStatic, Status: domain.StatusReady, SourcePath: dir}
}

// fakeServerScript stands in for npm; it ignores its arguments and sleeps so
// the supervisor has a long-lived process group to manage.
func fakeServerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-npm")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake npm: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, poolSize int, npmBin string) *Supervisor {
	t.Helper()
	pool, err := NewPortPool(43000, poolSize)
	if err != nil {
		t.Fatalf("NewPortPool: %v", err)
	}
	return NewSupervisor(pool, testLogger(), npmBin, 2*time.Second)
}

func TestStaticMountServesFiles(t *testing.T) {
	s := newTestSupervisor(t, 4, "npm")
	project := staticProject(t, "static-1")

	port, err := s.Start(project)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/index.html", port))
	if err != nil {
		t.Fatalf("GET preview: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>hello</html>" {
		t.Errorf("unexpected body %q", body)
	}

	if err := s.Stop(project.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running(project.ID) {
		t.Errorf("project still running after Stop")
	}
}

func TestSecondStartRejected(t *testing.T) {
	s := newTestSupervisor(t, 4, "npm")
	project := staticProject(t, "static-1")

	if _, err := s.Start(project); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.StopAll()

	if _, err := s.Start(project); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if s.Active() != 1 {
		t.Errorf("expected exactly 1 instance, got %d", s.Active())
	}
}

func TestStopNotRunning(t *testing.T) {
	s := newTestSupervisor(t, 4, "npm")
	if err := s.Stop("ghost"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestPortReleasedOnStop(t *testing.T) {
	s := newTestSupervisor(t, 1, "npm")
	first := staticProject(t, "first")
	second := staticProject(t, "second")

	if _, err := s.Start(first); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	if _, err := s.Start(second); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}
	if err := s.Stop(first.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Start(second); err != nil {
		t.Fatalf("Start second after release: %v", err)
	}
	s.StopAll()
}

func TestProcessTeardown(t *testing.T) {
	script := fakeServerScript(t, "sleep 60")
	s := newTestSupervisor(t, 2, script)
	project := domain.Project{ID: "node-1", Type: domain.TypeNode, SourcePath: t.TempDir()}

	if _, err := s.Start(project); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Stop(project.ID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return; process not reaped")
	}
	if s.Running(project.ID) {
		t.Errorf("project still tracked after Stop")
	}
	if s.pool.InUse() != 0 {
		t.Errorf("port leaked after Stop")
	}
}

func TestSelfExitInvokesHandlerAndReleasesPort(t *testing.T) {
	script := fakeServerScript(t, "exit 0")
	s := newTestSupervisor(t, 2, script)

	exited := make(chan string, 1)
	s.SetExitHandler(func(id string, err error) { exited <- id })

	project := domain.Project{ID: "node-1", Type: domain.TypeNode, SourcePath: t.TempDir()}
	if _, err := s.Start(project); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case id := <-exited:
		if id != "node-1" {
			t.Errorf("unexpected id in exit handler: %s", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("exit handler not invoked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.pool.InUse() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("port not released after self-exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Running(project.ID) {
		t.Errorf("instance still tracked after self-exit")
	}
}
