package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wire status values reported by the status endpoint.
const (
	statusProcessing = "processing"
	statusComplete   = "complete"
	statusError      = "error"
)

// Job tracks one relayed conversion from upload to collection.
type Job struct {
	ID          string
	Source      string
	Status      string
	Markdown    string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time

	cancel context.CancelFunc
}

// terminal reports whether the job has finished, either way.
func (j *Job) terminal() bool {
	return j.Status == statusComplete || j.Status == statusError
}

// JobManager tracks relayed conversions in memory. A job lives until
// its first status read after finishing; clients poll until terminal,
// so the result is collected exactly once and then dropped.
type JobManager struct {
	mu   sync.RWMutex // guards the map and all job fields
	jobs map[string]*Job
}

// NewJobManager creates an empty job manager.
func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*Job)}
}

// Create registers a new processing job. The cancel function aborts the
// conversion driving it and is invoked by CancelAll on shutdown.
func (m *JobManager) Create(source string, cancel context.CancelFunc) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		Source:    source,
		Status:    statusProcessing,
		StartedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job
}

// Complete marks a job finished with its markdown result.
func (m *JobManager) Complete(id, markdown string) {
	m.finish(id, statusComplete, markdown, "")
}

// Fail marks a job finished with an error message.
func (m *JobManager) Fail(id, msg string) {
	m.finish(id, statusError, "", msg)
}

func (m *JobManager) finish(id, status, markdown, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.terminal() {
		// Already collected or already settled; first result wins.
		return
	}
	job.Status = status
	job.Markdown = markdown
	job.Error = msg
	now := time.Now()
	job.CompletedAt = &now
	job.cancel()
}

// Status returns a copy of the job's state. A terminal job is removed
// on this first read; later reads report it as unknown.
func (m *JobManager) Status(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	if job.terminal() {
		delete(m.jobs, id)
	}
	return *job, true
}

// Active returns the number of jobs still being tracked.
func (m *JobManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// CancelAll aborts every in-flight conversion. Used on shutdown.
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if !job.terminal() {
			job.cancel()
		}
	}
}
