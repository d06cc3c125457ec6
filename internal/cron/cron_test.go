package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/scheduler"
)

func newTestManager(t *testing.T) (*Manager, *int32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron.json")
	var submits int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		atomic.AddInt32(&submits, 1)
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})
	return New(path, sched), &submits
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start(context.Background())

	if _, err := m.Add("k", "not a cron expr", "hi"); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected no job to be persisted after a rejected Add")
	}
}

func TestAddListRemoveRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start(context.Background())

	job, err := m.Add("k", "0 0 1 1 *", "check in")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected one job after Add, got %d", len(m.List()))
	}

	if err := m.Remove(job.ID); err != nil {
		t.Fatalf("unexpected error removing job: %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected job to be gone after Remove")
	}
	if err := m.Remove(job.ID); err == nil {
		t.Fatal("expected removing an already-removed job to error")
	}
}

func TestRunNowSubmitsForcedRequestImmediately(t *testing.T) {
	m, submits := newTestManager(t)
	m.Start(context.Background())

	job, err := m.Add("k", "0 0 1 1 *", "happy new year")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.RunNow(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(submits) != 1 {
		t.Fatalf("expected RunNow to submit one run immediately, got %d", atomic.LoadInt32(submits))
	}

	jobs := m.List()
	if jobs[0].LastRunAt == nil || jobs[0].LastStatus != "ok" {
		t.Fatalf("expected RunNow to record LastRunAt/LastStatus")
	}
}

func TestLoadRestoresPersistedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	m1 := New(path, sched)
	m1.Start(context.Background())
	if _, err := m1.Add("k", "*/5 * * * *", "ping"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected jobs file to be written: %v", err)
	}

	m2 := New(path, sched)
	if err := m2.Load(); err != nil {
		t.Fatalf("unexpected error loading jobs: %v", err)
	}
	if len(m2.List()) != 1 {
		t.Fatalf("expected 1 restored job, got %d", len(m2.List()))
	}
}
