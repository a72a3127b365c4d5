// Package convert is the conversion orchestration core: a job record
// tracking one conversion's lifecycle, a driver running the submit/poll
// protocol for a single job, and a batch coordinator fanning many jobs
// out over a bounded worker pool.
//
// A job record is owned by exactly one driver while it runs. The record's
// methods are still mutex-guarded because cancellation and UI reads
// arrive from other goroutines at arbitrary times.
package convert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/document"
)

// Status is a job's position in the conversion lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further lifecycle transition is permitted
// from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress is the live snapshot a driver publishes between polls. Each
// update replaces the previous snapshot wholesale.
type Progress struct {
	State   backend.State
	Attempt int
	Elapsed time.Duration
}

// Job tracks one conversion attempt from creation to a terminal state.
//
// The lifecycle is pending -> submitted -> processing -> one of
// complete/failed/cancelled. Completion and failure are strict: marking
// an already-terminal job errors, because that indicates a driver bug.
// Cancellation and progress updates are lenient no-ops on a terminal job,
// because they routinely race against completion.
type Job struct {
	id   string
	doc  document.Document
	opts backend.Options

	mu        sync.Mutex
	status    Status
	requestID string
	checkURL  string
	progress  Progress
	markdown  string
	reason    string

	created   time.Time
	submitted *time.Time
	started   *time.Time
	completed *time.Time

	now func() time.Time
}

// NewJob creates a pending job for a document with its conversion options.
func NewJob(doc document.Document, opts backend.Options) *Job {
	return &Job{
		id:      uuid.NewString(),
		doc:     doc,
		opts:    opts,
		status:  StatusPending,
		created: time.Now(),
		now:     time.Now,
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Document returns the source document.
func (j *Job) Document() document.Document { return j.doc }

// Options returns the conversion options the job was created with.
func (j *Job) Options() backend.Options { return j.opts }

// Status returns the current lifecycle status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Terminal()
}

// RequestID returns the backend's handle for the job, once submitted.
func (j *Job) RequestID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.requestID
}

// CheckURL returns the poll URL the backend issued, once submitted.
func (j *Job) CheckURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checkURL
}

// Progress returns the most recent progress snapshot.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Markdown returns the conversion output of a complete job.
func (j *Job) Markdown() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.markdown
}

// FailureReason returns why a failed or cancelled job ended.
func (j *Job) FailureReason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

// CreatedAt returns the construction time.
func (j *Job) CreatedAt() time.Time { return j.created }

// MarkSubmitted records the backend's receipt and moves the job to
// submitted. Legal only from pending; the request id and check URL are
// set here exactly once and are immutable afterwards.
func (j *Job) MarkSubmitted(requestID, checkURL string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusPending {
		return &TransitionError{Op: "mark submitted", State: j.status}
	}

	j.status = StatusSubmitted
	j.requestID = requestID
	j.checkURL = checkURL
	t := j.now()
	j.submitted = &t
	return nil
}

// MarkProcessing moves a submitted job to processing. Re-entry from
// processing is a no-op; the started timestamp is set only on the first
// transition. Any other source state is an error.
func (j *Job) MarkProcessing() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.status {
	case StatusProcessing:
		return nil
	case StatusSubmitted:
		j.status = StatusProcessing
		t := j.now()
		j.started = &t
		return nil
	default:
		return &TransitionError{Op: "mark processing", State: j.status}
	}
}

// UpdateProgress replaces the stored progress snapshot. On a terminal job
// this is silently ignored so late poll results cannot disturb a settled
// record.
func (j *Job) UpdateProgress(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.progress = p
}

// MarkComplete stores the markdown and moves the job to complete. Errors
// if the job is already terminal.
func (j *Job) MarkComplete(markdown string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return &TransitionError{Op: "mark complete", State: j.status}
	}

	j.status = StatusComplete
	j.markdown = markdown
	t := j.now()
	j.completed = &t
	return nil
}

// MarkFailed stores the failure reason and moves the job to failed.
// Errors if the job is already terminal.
func (j *Job) MarkFailed(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return &TransitionError{Op: "mark failed", State: j.status}
	}

	j.status = StatusFailed
	j.reason = reason
	t := j.now()
	j.completed = &t
	return nil
}

// MarkCancelled moves a non-terminal job to cancelled. On an already
// terminal job it does nothing: a late cancellation must never clobber a
// result that completed or failed first.
func (j *Job) MarkCancelled() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}

	j.status = StatusCancelled
	j.reason = CancelledReason
	t := j.now()
	j.completed = &t
}

// Elapsed measures from the most specific start anchor (started, else
// submitted, else created) to completion, or to now while running.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.elapsedLocked()
}

func (j *Job) elapsedLocked() time.Duration {
	anchor := j.created
	if j.submitted != nil {
		anchor = *j.submitted
	}
	if j.started != nil {
		anchor = *j.started
	}

	end := j.now()
	if j.completed != nil {
		end = *j.completed
	}
	return end.Sub(anchor)
}

// Snapshot is a consistent copy of a job's mutable state, safe to hand
// to display code while the driver keeps running.
type Snapshot struct {
	ID        string
	Name      string
	Status    Status
	RequestID string
	CheckURL  string
	Progress  Progress
	Markdown  string
	Reason    string
	Created   time.Time
	Submitted *time.Time
	Started   *time.Time
	Completed *time.Time
	Elapsed   time.Duration
}

// Snapshot returns a copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:        j.id,
		Name:      j.doc.Name,
		Status:    j.status,
		RequestID: j.requestID,
		CheckURL:  j.checkURL,
		Progress:  j.progress,
		Markdown:  j.markdown,
		Reason:    j.reason,
		Created:   j.created,
		Elapsed:   j.elapsedLocked(),
	}
	if j.submitted != nil {
		t := *j.submitted
		s.Submitted = &t
	}
	if j.started != nil {
		t := *j.started
		s.Started = &t
	}
	if j.completed != nil {
		t := *j.completed
		s.Completed = &t
	}
	return s
}
