package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/glimpse/internal/domain"
)

func sample(id string, created time.Time) domain.Project {
	return domain.Project{
		ID:        id,
		Name:      "sample",
		Type:      domain.TypeStatic,
		Status:    domain.StatusReady,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	project := sample("a", time.Now())
	project.BuildLogTail = []string{"line-1"}
	r.Put(project)

	got, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Status = domain.StatusError
	got.BuildLogTail[0] = "mutated"

	again, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Status != domain.StatusReady {
		t.Errorf("stored status mutated through returned copy")
	}
	if again.BuildLogTail[0] != "line-1" {
		t.Errorf("stored log tail mutated through returned copy")
	}
}

func TestGetUnknownID(t *testing.T) {
	r := New()
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCommitsAtomically(t *testing.T) {
	r := New()
	r.Put(sample("a", time.Now()))

	err := r.Update("a", func(p *domain.Project) error {
		p.Status = domain.StatusRunning
		p.Port = 42001
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := r.Get("a")
	if got.Status != domain.StatusRunning || got.Port != 42001 {
		t.Errorf("update not visible: %+v", got)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	r := New()
	r.Put(sample("a", time.Now()))

	boom := errors.New("boom")
	err := r.Update("a", func(p *domain.Project) error {
		p.Status = domain.StatusError
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	got, _ := r.Get("a")
	if got.Status != domain.StatusReady {
		t.Errorf("failed update leaked state: %s", got.Status)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	r := New()
	base := time.Now()
	r.Put(sample("old", base.Add(-time.Hour)))
	r.Put(sample("new", base))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(list))
	}
	if list[0].ID != "new" {
		t.Errorf("expected newest first, got %s", list[0].ID)
	}
}

func TestLockSerializesSameID(t *testing.T) {
	r := New()
	var mu sync.Mutex
	events := []string{}
	record := func(tag string) {
		mu.Lock()
		events = append(events, tag)
		mu.Unlock()
	}

	r.Lock("a")
	done := make(chan struct{})
	go func() {
		r.Lock("a")
		record("second")
		r.Unlock("a")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	record("first")
	r.Unlock("a")
	<-done

	if len(events) != 2 || events[0] != "first" || events[1] != "second" {
		t.Errorf("operations not serialized: %v", events)
	}
}

func TestLockAllowsDifferentIDs(t *testing.T) {
	r := New()
	r.Lock("a")
	acquired := make(chan struct{})
	go func() {
		r.Lock("b")
		close(acquired)
		r.Unlock("b")
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on different id blocked")
	}
	r.Unlock("a")
}
