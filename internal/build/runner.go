package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/splax/glimpse/internal/domain"
)

var (
	// ErrTimeout indicates a pipeline step exceeded its wall-clock budget and
	// was forcibly terminated.
	ErrTimeout = errors.New("build: step timed out")
	// ErrNoOutput indicates the build command finished but produced no
	// recognizable output directory.
	ErrNoOutput = errors.New("build: no output directory produced")
)

// Sink receives build output lines as they are produced.
type Sink func(line string)

// Runner executes the dependency-install and production-build pipeline for
// buildable project types. Each step is time-boxed; the child process group
// is killed as a whole when the budget elapses.
type Runner struct {
	logger         *slog.Logger
	npmBin         string
	installTimeout time.Duration
	buildTimeout   time.Duration

	installCommand string
	buildCommand   string
}

// NewRunner constructs a build runner.
func NewRunner(logger *slog.Logger, npmBin string, installTimeout, buildTimeout time.Duration) *Runner {
	if npmBin == "" {
		npmBin = "npm"
	}
	if installTimeout <= 0 {
		installTimeout = 5 * time.Minute
	}
	if buildTimeout <= 0 {
		buildTimeout = 10 * time.Minute
	}
	return &Runner{
		logger:         logger.With("component", "build"),
		npmBin:         npmBin,
		installTimeout: installTimeout,
		buildTimeout:   buildTimeout,
		installCommand: npmBin + " install",
		buildCommand:   npmBin + " run build",
	}
}

// SetCommands overrides the default install/build commands; used by tests and
// deployments with non-npm toolchains.
func (r *Runner) SetCommands(install, build string) {
	if strings.TrimSpace(install) != "" {
		r.installCommand = install
	}
	if strings.TrimSpace(build) != "" {
		r.buildCommand = build
	}
}

// Run executes install then build against sourceDir and relocates the build
// output to buildDir. It returns the artifact path to serve and the retained
// tail of the build log. ctx cancellation aborts the pipeline the same way a
// timeout does.
func (r *Runner) Run(ctx context.Context, projectID, sourceDir, buildDir string, typ domain.ProjectType, sink Sink) (string, []string, error) {
	tail := newTailBuffer(tailBufferSize)
	emit := func(line string) {
		tail.Add(line)
		if sink != nil {
			sink(line)
		}
	}

	emit("installing dependencies")
	if err := r.step(ctx, sourceDir, r.installCommand, r.installTimeout, emit); err != nil {
		return "", tail.Snapshot(tailSnapshotLines), fmt.Errorf("install: %w", err)
	}
	emit("running production build")
	if err := r.step(ctx, sourceDir, r.buildCommand, r.buildTimeout, emit); err != nil {
		return "", tail.Snapshot(tailSnapshotLines), fmt.Errorf("build: %w", err)
	}

	artifact, err := r.collectOutput(sourceDir, buildDir, typ)
	if err != nil {
		return "", tail.Snapshot(tailSnapshotLines), err
	}
	emit("build completed")
	r.logger.Info("build pipeline finished", "project_id", projectID, "artifact", artifact)
	return artifact, tail.Snapshot(tailSnapshotLines), nil
}

func (r *Runner) step(ctx context.Context, dir, command string, timeout time.Duration, emit Sink) error {
	args, err := shellquote.Split(command)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true", "NODE_ENV=production")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill the whole group; npm fans out child processes.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", args[0], err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamLines(stdout, emit)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if stepCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command %q failed: %w", command, err)
	}
	return nil
}

func streamLines(r io.Reader, emit Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(line)
	}
}

// collectOutput finds where the build landed and, for statically served
// frameworks, relocates it into the project's dedicated build subtree. Next
// builds stay in place because `npm start` serves them from the source tree.
func (r *Runner) collectOutput(sourceDir, buildDir string, typ domain.ProjectType) (string, error) {
	if typ == domain.TypeNext {
		artifact := filepath.Join(sourceDir, ".next")
		if info, err := os.Stat(artifact); err != nil || !info.IsDir() {
			return "", ErrNoOutput
		}
		return artifact, nil
	}
	for _, candidate := range []string{"dist", "build", "out"} {
		produced := filepath.Join(sourceDir, candidate)
		info, err := os.Stat(produced)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := os.RemoveAll(buildDir); err != nil {
			return "", fmt.Errorf("reset build dir: %w", err)
		}
		if err := os.Rename(produced, buildDir); err != nil {
			return "", fmt.Errorf("relocate build output: %w", err)
		}
		return buildDir, nil
	}
	return "", ErrNoOutput
}

const (
	tailBufferSize    = 100
	tailSnapshotLines = 40
)

// tailBuffer keeps the most recent build output lines, collapsing immediate
// repeats so a looping build step cannot flood the retained tail.
type tailBuffer struct {
	lines   []string
	size    int
	last    string
	repeats int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Add(line string) {
	if line == "" {
		return
	}
	if line == b.last {
		b.repeats++
		return
	}
	b.flushRepeats()
	b.last = line
	b.record(line)
}

func (b *tailBuffer) flushRepeats() {
	if b.repeats == 0 || b.last == "" {
		return
	}
	b.record(fmt.Sprintf("%s (repeated %d more times)", b.last, b.repeats))
	b.repeats = 0
}

func (b *tailBuffer) record(line string) {
	if b.size <= 0 {
		return
	}
	if len(b.lines) >= b.size {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) Snapshot(limit int) []string {
	b.flushRepeats()
	if len(b.lines) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(b.lines) {
		return append([]string(nil), b.lines...)
	}
	return append([]string(nil), b.lines[len(b.lines)-limit:]...)
}
