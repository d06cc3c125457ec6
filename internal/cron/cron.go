// Package cron schedules recurring or ad-hoc agent turns: a cron job is a
// standard 5-field expression bound to a sessionKey and a prompt body,
// submitted to the scheduler as a forced run exactly like a heartbeat.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/clawdis/clawdis/internal/scheduler"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Job is one scheduled task.
type Job struct {
	ID         string     `json:"id"`
	Schedule   string     `json:"schedule"` // standard 5-field cron expression
	SessionKey string     `json:"sessionKey"`
	Body       string     `json:"body"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	LastStatus string     `json:"lastStatus,omitempty"` // "ok" | "error"
	LastError  string     `json:"lastError,omitempty"`
}

// storeFile is the on-disk shape of the jobs file.
type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Manager owns the job set, its persistence, and the robfig/cron runtime
// that fires submissions into the scheduler.
type Manager struct {
	path string
	sub  *scheduler.Scheduler

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]cronlib.EntryID

	runner *cronlib.Cron
}

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// New creates a Manager backed by jobsPath and sched. Call Load then Start.
func New(jobsPath string, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		path:    jobsPath,
		sub:     sched,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cronlib.EntryID),
		runner:  cronlib.New(cronlib.WithParser(parser)),
	}
}

// Load reads the jobs file, tolerating a missing file.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cron: read jobs file: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("cron: parse jobs file: %w", err)
	}
	for _, j := range file.Jobs {
		if j.ID == "" {
			continue
		}
		m.jobs[j.ID] = j
	}
	L_info("cron: loaded jobs", "count", len(m.jobs), "path", m.path)
	return nil
}

func (m *Manager) saveLocked() error {
	file := storeFile{Version: 1, Jobs: make([]*Job, 0, len(m.jobs))}
	for _, j := range m.jobs {
		file.Jobs = append(file.Jobs, j)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Start registers every enabled job with the robfig/cron runtime and starts
// it. Call once, after Load.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.Enabled {
			m.scheduleLocked(j)
		}
	}
	m.mu.Unlock()
	m.runner.Start()
	go func() {
		<-ctx.Done()
		<-m.runner.Stop().Done()
	}()
}

// scheduleLocked adds job to the robfig/cron runtime. Caller holds m.mu.
func (m *Manager) scheduleLocked(j *Job) {
	id, err := m.runner.AddFunc(j.Schedule, func() { m.fire(j.ID) })
	if err != nil {
		L_warn("cron: invalid schedule, job disabled", "id", j.ID, "schedule", j.Schedule, "error", err)
		j.Enabled = false
		return
	}
	m.entries[j.ID] = id
}

func (m *Manager) unscheduleLocked(id string) {
	if entryID, ok := m.entries[id]; ok {
		m.runner.Remove(entryID)
		delete(m.entries, id)
	}
}

// fire submits job's body as a forced scheduler request, the same way a
// heartbeat tick does, and records LastRunAt/LastStatus right after Submit
// returns. The scheduler call itself is fire-and-forget; cron only observes admission,
// not completion, so LastStatus reflects submission rather than the run's
// actual agent-side result.
func (m *Manager) fire(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || !j.Enabled {
		m.mu.Unlock()
		return
	}
	sessionKey, body := j.SessionKey, j.Body
	m.mu.Unlock()

	now := time.Now()
	runID := "cron-" + id + "-" + now.Format("150405.000")
	m.sub.Submit(scheduler.Request{
		SessionKey: sessionKey,
		RunID:      runID,
		Body:       body,
		Forced:     true,
		Reason:     "cron:" + id,
		SubmitAt:   now,
	})

	m.mu.Lock()
	j.LastRunAt = &now
	j.LastStatus = "ok"
	j.LastError = ""
	if err := m.saveLocked(); err != nil {
		L_warn("cron: failed to persist run state", "id", id, "error", err)
	}
	m.mu.Unlock()
}

// List returns every job, newest first.
func (m *Manager) List() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// Add validates schedule, creates a job, persists it, and — if the manager
// has already Start'd — schedules it live.
func (m *Manager) Add(sessionKey, schedule, body string) (*Job, error) {
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("cron: invalid schedule %q: %w", schedule, err)
	}
	j := &Job{
		ID:         uuid.NewString(),
		Schedule:   schedule,
		SessionKey: sessionKey,
		Body:       body,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	// Start always runs before the daemon accepts control-plane connections,
	// so every job added through Add is scheduled onto the live runner.
	m.scheduleLocked(j)
	if err := m.saveLocked(); err != nil {
		m.unscheduleLocked(j.ID)
		delete(m.jobs, j.ID)
		return nil, err
	}
	return j, nil
}

// Remove deletes a job and cancels its live schedule entry, if any.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("cron: no such job %q", id)
	}
	m.unscheduleLocked(id)
	delete(m.jobs, id)
	return m.saveLocked()
}

// RunNow fires id immediately, outside its regular schedule.
func (m *Manager) RunNow(id string) error {
	m.mu.Lock()
	_, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: no such job %q", id)
	}
	m.fire(id)
	return nil
}
