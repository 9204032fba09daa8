package jobs

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the jobs of one family: the queue, the index by id and
// optionally the per-account exclusivity table.
type Registry[P any] struct {
	family Family
	locks  *AccountLocks
	now    func() time.Time

	mu    sync.Mutex
	jobs  map[string]*Job[P]
	queue []*Job[P]

	onFinish []func(Snapshot)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	locks *AccountLocks
	now   func() time.Time
}

// WithAccountLocks makes the family exclusive per account. A job holds
// its account from Submit until it reaches a terminal status.
func WithAccountLocks(l *AccountLocks) RegistryOption {
	return func(o *registryOptions) { o.locks = l }
}

// WithRegistryClock overrides the wall clock.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.now = now }
}

// NewRegistry returns an empty registry for family.
func NewRegistry[P any](family Family, opts ...RegistryOption) *Registry[P] {
	o := registryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[P]{
		family: family,
		locks:  o.locks,
		now:    o.now,
		jobs:   make(map[string]*Job[P]),
	}
}

// Family returns the family this registry serves.
func (r *Registry[P]) Family() Family {
	return r.family
}

// OnFinish registers fn to be called after every terminal transition.
// Registration must happen before jobs run.
func (r *Registry[P]) OnFinish(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// Submit enqueues a job and returns its id. In an exclusive family it
// fails with ErrAlreadyRunning when accountID already has an active job.
func (r *Registry[P]) Submit(accountID string, payload P) (string, error) {
	job, err := r.submit(accountID, payload, 0)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *Registry[P]) submit(accountID string, payload P, retry int) (*Job[P], error) {
	id := uuid.New().String()

	if r.locks != nil && accountID != "" {
		if holder, ok := r.locks.TryAcquire(accountID, id); !ok {
			return nil, fmt.Errorf("account %s (job %s): %w", accountID, holder, ErrAlreadyRunning)
		}
	}

	job := newJob(id, r.family, accountID, payload, retry, r.now())

	r.mu.Lock()
	r.jobs[id] = job
	r.queue = append(r.queue, job)
	r.mu.Unlock()

	return job, nil
}

// Get returns the job with the given id.
func (r *Registry[P]) Get(id string) (*Job[P], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

// ListActive returns queued and running jobs, oldest first.
func (r *Registry[P]) ListActive() []*Job[P] {
	return r.list(func(s Status) bool { return !s.Terminal() })
}

// List returns every job still retained, oldest first.
func (r *Registry[P]) List() []*Job[P] {
	return r.list(func(Status) bool { return true })
}

func (r *Registry[P]) list(keep func(Status) bool) []*Job[P] {
	r.mu.Lock()
	all := make([]*Job[P], 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	r.mu.Unlock()

	out := all[:0]
	for _, j := range all {
		if keep(j.Status()) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Snapshot().CreatedAt.Before(out[b].Snapshot().CreatedAt)
	})
	return out
}

// Cancel cancels a queued job outright, or signals a running one to
// stop at its next checkpoint. It reports whether the job was active.
func (r *Registry[P]) Cancel(id string) bool {
	job, ok := r.Get(id)
	if !ok {
		return false
	}

	job.mu.Lock()
	switch job.status {
	case StatusQueued:
		job.mu.Unlock()
		r.finish(job, StatusCancelled, "cancelled before start")
		return true
	case StatusRunning:
		cancel := job.cancel
		job.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		job.mu.Unlock()
		return false
	}
}

// Cleanup drops terminal jobs that completed more than retention ago
// and returns how many were removed.
func (r *Registry[P]) Cleanup(retention time.Duration) int {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	var expired []*Job[P]
	for id, job := range r.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && snap.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			expired = append(expired, job)
		}
	}
	r.mu.Unlock()

	for _, job := range expired {
		if r.locks != nil && job.AccountID != "" {
			r.locks.Release(job.AccountID, job.ID)
		}
	}
	return len(expired)
}

// dequeue pops the oldest job that is still queued. Jobs cancelled
// while waiting are dropped from the queue without side effects.
func (r *Registry[P]) dequeue() *Job[P] {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.queue) > 0 {
		job := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		if job.Status() == StatusQueued {
			return job
		}
	}
	return nil
}

// start moves job to Running with the given cancel func. It fails when
// the job left the Queued state in the meantime.
func (r *Registry[P]) start(job *Job[P], cancel context.CancelFunc) bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status != StatusQueued {
		return false
	}
	job.status = StatusRunning
	job.startedAt = r.now()
	job.cancel = cancel
	return true
}

// finish moves job to a terminal status exactly once, releases its
// account, notifies listeners and then wakes waiters.
func (r *Registry[P]) finish(job *Job[P], status Status, msg string) bool {
	job.mu.Lock()
	if job.status.Terminal() {
		job.mu.Unlock()
		return false
	}
	job.status = status
	job.errMsg = msg
	job.completedAt = r.now()
	job.cancel = nil
	job.mu.Unlock()

	if r.locks != nil && job.AccountID != "" {
		r.locks.Release(job.AccountID, job.ID)
	}

	r.mu.Lock()
	listeners := slices.Clone(r.onFinish)
	r.mu.Unlock()

	snap := job.Snapshot()
	for _, fn := range listeners {
		fn(snap)
	}

	// Waiters observe the job only after listeners recorded it.
	close(job.done)
	return true
}
