package sweeper

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"
)

type countingReclaimer struct {
	calls atomic.Int32
}

func (c *countingReclaimer) Sweep(ctx context.Context) int {
	c.calls.Add(1)
	return 0
}

func TestRunSweepsImmediatelyAndOnTick(t *testing.T) {
	reclaimer := &countingReclaimer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(reclaimer, logger, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reclaimer.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}

	if got := reclaimer.calls.Load(); got < 3 {
		t.Fatalf("sweep ran %d times, want at least 3", got)
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&countingReclaimer{}, logger, 0)
	if s.interval <= 0 {
		t.Fatalf("interval = %v, want positive default", s.interval)
	}
}
