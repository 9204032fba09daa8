// Package jobs is the queue, worker loop and cancellation machinery
// shared by every long-running operation. Each operation family gets
// its own Registry and Runner, parameterized by its payload type.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Family names an operation family.
type Family string

const (
	FamilySync     Family = "sync"
	FamilyRestore  Family = "restore"
	FamilyDeletion Family = "deletion"
	FamilyImport   Family = "import"
)

var (
	// ErrAlreadyRunning is returned by Submit when the account already
	// has an active job in an exclusive family.
	ErrAlreadyRunning = errors.New("a job is already running for this account")

	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrSetup marks failures that happen before any item is attempted.
	// They fail the job immediately and are never retried.
	ErrSetup = errors.New("job setup failed")
)

// Setup wraps err as a setup failure.
func Setup(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSetup, err)
}

// Setupf formats a setup failure.
func Setupf(format string, args ...any) error {
	return Setup(fmt.Errorf(format, args...))
}

// Snapshot is a consistent copy of a job's observable state.
type Snapshot struct {
	ID          string
	Family      Family
	AccountID   string
	Status      Status
	Phase       string
	Error       string
	RetryCount  int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Processed int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	Total     int64
}

// Job is one invocation of an operation. Counters only grow while the
// job runs.
type Job[P any] struct {
	ID         string
	Family     Family
	AccountID  string
	Payload    P
	RetryCount int

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	total     atomic.Int64

	mu          sync.Mutex
	status      Status
	phase       string
	errMsg      string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

func newJob[P any](id string, family Family, accountID string, payload P, retry int, now time.Time) *Job[P] {
	return &Job[P]{
		ID:         id,
		Family:     family,
		AccountID:  accountID,
		Payload:    payload,
		RetryCount: retry,
		status:     StatusQueued,
		createdAt:  now,
		done:       make(chan struct{}),
	}
}

// Status returns the current status.
func (j *Job[P]) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetPhase updates the human-readable phase label.
func (j *Job[P]) SetPhase(phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.phase = phase
}

// AddTotal grows the expected item count by n.
func (j *Job[P]) AddTotal(n int) {
	if n > 0 {
		j.total.Add(int64(n))
	}
}

// RecordSuccess counts one item that was processed successfully.
func (j *Job[P]) RecordSuccess() {
	j.succeeded.Add(1)
	j.processed.Add(1)
}

// RecordFailure counts one item that failed.
func (j *Job[P]) RecordFailure() {
	j.failed.Add(1)
	j.processed.Add(1)
}

// RecordSkip counts one item that needed no work.
func (j *Job[P]) RecordSkip() {
	j.skipped.Add(1)
	j.processed.Add(1)
}

// FailedCount returns the number of failed items so far.
func (j *Job[P]) FailedCount() int64 {
	return j.failed.Load()
}

// Done is closed when the job reaches a terminal status.
func (j *Job[P]) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is terminal or ctx ends.
func (j *Job[P]) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Snapshot returns a copy of the job's state.
func (j *Job[P]) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:          j.ID,
		Family:      j.Family,
		AccountID:   j.AccountID,
		Status:      j.status,
		Phase:       j.phase,
		Error:       j.errMsg,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Processed:   j.processed.Load(),
		Succeeded:   j.succeeded.Load(),
		Failed:      j.failed.Load(),
		Skipped:     j.skipped.Load(),
		Total:       j.total.Load(),
	}
}

// Progress is the reporting surface a job body writes to. *Job
// implements it; operations that can also run outside a job accept it
// instead of a concrete job.
type Progress interface {
	SetPhase(phase string)
	AddTotal(n int)
	RecordSuccess()
	RecordFailure()
	RecordSkip()
}

// Discard is a Progress that records nothing.
var Discard Progress = discard{}

type discard struct{}

func (discard) SetPhase(string) {}
func (discard) AddTotal(int)    {}
func (discard) RecordSuccess()  {}
func (discard) RecordFailure()  {}
func (discard) RecordSkip()     {}
