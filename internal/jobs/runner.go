package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/metrics"
	"github.com/nhle/mail-archiver/internal/model"
)

// Body executes one job. It observes ctx at its checkpoints and returns
// ctx.Err() (or an error wrapping it) when cancelled.
type Body[P any] func(ctx context.Context, job *Job[P]) error

// Recorder persists the audit trail of finished jobs.
type Recorder interface {
	AppendJobLog(ctx context.Context, entry model.JobLogEntry) error
}

// RetryPolicy controls automatic resubmission of failed jobs. A retry
// is a new job with an incremented retry counter.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay returns the backoff before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay << uint(n-1)
	if d <= 0 || d > time.Hour {
		d = time.Hour
	}
	return d
}

// RetryFromConfig converts the jobs.retry configuration section.
func RetryFromConfig(c model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		Enabled:    c.Enabled,
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Duration(c.BaseDelaySec) * time.Second,
	}
}

// RunnerConfig holds the collaborators of a Runner. Zero values are
// valid: no audit log, no metrics, no retries.
type RunnerConfig struct {
	PollInterval time.Duration
	Retry        RetryPolicy
	Recorder     Recorder
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Runner is the single worker loop of one family: at most one of its
// jobs executes at a time.
type Runner[P any] struct {
	reg  *Registry[P]
	body Body[P]
	cfg  RunnerConfig
	log  zerolog.Logger
}

// NewRunner binds body to reg. Terminal transitions, including
// cancellation of queued jobs, are recorded from here on.
func NewRunner[P any](reg *Registry[P], body Body[P], cfg RunnerConfig) *Runner[P] {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	r := &Runner[P]{
		reg:  reg,
		body: body,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("family", string(reg.Family())).Logger(),
	}
	reg.OnFinish(r.record)
	return r
}

// Run polls the queue until ctx is cancelled. Jobs running at shutdown
// see ctx cancelled and end as Cancelled.
func (r *Runner[P]) Run(ctx context.Context) error {
	r.log.Info().Dur("poll", r.cfg.PollInterval).Msg("Job runner started")
	defer r.log.Info().Msg("Job runner stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.RunOnce(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce executes the next queued job, if any, and reports whether one
// was dequeued.
func (r *Runner[P]) RunOnce(ctx context.Context) bool {
	job := r.reg.dequeue()
	if job == nil {
		return false
	}
	r.execute(ctx, job)
	return true
}

func (r *Runner[P]) execute(parent context.Context, job *Job[P]) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if !r.reg.start(job, cancel) {
		return
	}
	r.cfg.Metrics.JobStarted(string(job.Family))

	log := r.log.With().Str("job", job.ID).Str("account", job.AccountID).Logger()
	log.Info().Int("retry", job.RetryCount).Msg("Job started")

	err := r.call(ctx, job)

	switch {
	case err == nil:
		r.reg.finish(job, StatusCompleted, "")
		snap := job.Snapshot()
		log.Info().
			Int64("processed", snap.Processed).
			Int64("failed", snap.Failed).
			Msg("Job completed")

	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		r.reg.finish(job, StatusCancelled, "cancelled")
		log.Info().Msg("Job cancelled")

	default:
		r.reg.finish(job, StatusFailed, err.Error())
		log.Error().Err(err).Msg("Job failed")
		r.scheduleRetry(parent, job, err)
	}
}

// call runs the body, converting a panic into an error.
func (r *Runner[P]) call(ctx context.Context, job *Job[P]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("job", job.ID).
				Str("stack", string(debug.Stack())).
				Msgf("Job panicked: %v", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.body(ctx, job)
}

func (r *Runner[P]) scheduleRetry(ctx context.Context, job *Job[P], cause error) {
	p := r.cfg.Retry
	if !p.Enabled || errors.Is(cause, ErrSetup) || job.RetryCount >= p.MaxRetries {
		return
	}

	attempt := job.RetryCount + 1
	delay := p.Delay(attempt)
	r.log.Info().
		Str("job", job.ID).
		Int("retry", attempt).
		Dur("delay", delay).
		Msg("Scheduling retry")

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		next, err := r.reg.submit(job.AccountID, job.Payload, attempt)
		if err != nil {
			r.log.Warn().Err(err).Str("job", job.ID).Msg("Retry not submitted")
			return
		}
		r.log.Info().Str("job", next.ID).Str("previous", job.ID).Msg("Retry submitted")
	}()
}

func (r *Runner[P]) record(snap Snapshot) {
	r.cfg.Metrics.JobFinished(string(snap.Family), string(snap.Status), !snap.StartedAt.IsZero())

	if r.cfg.Recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry := model.JobLogEntry{
		JobID:      snap.ID,
		Family:     string(snap.Family),
		AccountID:  snap.AccountID,
		Status:     string(snap.Status),
		Processed:  snap.Processed,
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		RetryCount: snap.RetryCount,
		Message:    snap.Error,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.CompletedAt,
	}
	if err := r.cfg.Recorder.AppendJobLog(ctx, entry); err != nil {
		r.log.Warn().Err(err).Str("job", snap.ID).Msg("Failed to record job log")
	}
}
