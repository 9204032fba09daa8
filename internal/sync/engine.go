// Package sync reconciles remote mailboxes with the archive: the
// per-account Engine and the Poller that schedules it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/archive"
	"github.com/nhle/mail-archiver/internal/dedup"
	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/metrics"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/store"
)

// Payload is the parameter of a sync job.
type Payload struct {
	AccountID string

	// Full ignores the checkpoint and re-examines the whole mailbox.
	Full bool
}

// Options are the throttling settings of a run.
type Options struct {
	BatchSize       int
	BatchPause      time.Duration
	MessagePause    time.Duration
	InitialLookback time.Duration
}

// OptionsFromConfig converts the sync configuration section.
func OptionsFromConfig(c model.SyncConfig) Options {
	return Options{
		BatchSize:       c.BatchSize,
		BatchPause:      c.BatchPause(),
		MessagePause:    c.MessagePause(),
		InitialLookback: time.Duration(c.InitialLookbackDays) * 24 * time.Hour,
	}
}

// AccountStore is the persistence the engine needs beyond archival.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateCheckpoint(ctx context.Context, accountID string, at time.Time) error
	MessageExists(ctx context.Context, accountID, dedupKey string) (bool, error)
}

// ProviderFactory builds an unconnected provider for an account.
type ProviderFactory interface {
	New(acct model.Account) (provider.Provider, error)
}

// Result summarizes one run.
type Result struct {
	Folders            int
	Archived           int
	Skipped            int
	Failed             int
	RemoteDeleted      int
	CheckpointAdvanced bool
}

// Engine runs the reconciliation algorithm for one account at a time.
// It is safe to use from several job families concurrently.
type Engine struct {
	store     AccountStore
	providers ProviderFactory
	archiver  *archive.Archiver
	opts      Options
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithMetrics records archival counters on m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine.
func NewEngine(
	s AccountStore,
	providers ProviderFactory,
	archiver *archive.Archiver,
	opts Options,
	log zerolog.Logger,
	options ...EngineOption,
) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	e := &Engine{
		store:     s,
		providers: providers,
		archiver:  archiver,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Run is the jobs.Body of the sync family.
func (e *Engine) Run(ctx context.Context, job *jobs.Job[Payload]) error {
	_, err := e.Sync(ctx, job.Payload, job)
	return err
}

// run carries the state of one Sync call.
type run struct {
	acct     model.Account
	prov     provider.Provider
	progress jobs.Progress
	log      zerolog.Logger
	res      Result

	// batchStarted is set once the first batch began, so pauses are
	// only taken between batches.
	batchStarted bool
}

// Sync reconciles one account. Per-message failures are counted and do
// not fail the run; the checkpoint advances to the run's start time
// only when nothing failed.
func (e *Engine) Sync(ctx context.Context, p Payload, progress jobs.Progress) (Result, error) {
	if progress == nil {
		progress = jobs.Discard
	}
	startedAt := e.now().UTC()

	acct, err := e.store.GetAccount(ctx, p.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, jobs.Setupf("account %s does not exist", p.AccountID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading account %s: %w", p.AccountID, err)
	}
	if !acct.Enabled {
		return Result{}, jobs.Setupf("account %s is disabled", acct.ID)
	}

	prov, err := e.providers.New(*acct)
	if err != nil {
		return Result{}, jobs.Setup(err)
	}

	r := &run{
		acct:     *acct,
		prov:     prov,
		progress: progress,
		log:      e.log.With().Str("account", acct.ID).Logger(),
	}

	progress.SetPhase("connecting")
	if err := prov.Connect(ctx); err != nil {
		return r.res, fmt.Errorf("connecting account %s: %w", acct.ID, err)
	}
	defer func() {
		if err := prov.Close(); err != nil {
			r.log.Debug().Err(err).Msg("Closing provider")
		}
	}()

	defer func() { e.metrics.ObserveSync(acct.ID, e.now().Sub(startedAt)) }()

	progress.SetPhase("listing folders")
	all, err := provider.WithReconnect(ctx, prov, func() ([]provider.Folder, error) {
		return prov.ListFolders(ctx)
	})
	if err != nil {
		return r.res, fmt.Errorf("listing folders: %w", err)
	}
	folders, skipped := selectable(r.acct, all)
	for _, f := range skipped {
		r.log.Debug().Str("folder", f.Name).Msg("Skipping folder")
	}

	window := provider.Window{Initial: acct.Checkpoint == nil || p.Full}
	if !window.Initial {
		window.Since = acct.Checkpoint.UTC()
	} else if e.opts.InitialLookback > 0 {
		window.Since = startedAt.Add(-e.opts.InitialLookback)
	}

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		r.res.Folders++

		if err := e.syncFolder(ctx, r, folder, window); err != nil {
			if ctx.Err() != nil {
				return r.res, ctx.Err()
			}
			// The folder could not be read even after a reconnect.
			// Count it so the checkpoint stays put.
			r.log.Error().Err(err).Str("folder", folder.Name).Msg("Folder sync failed")
			r.res.Failed++
			progress.RecordFailure()
		}
	}

	if acct.RetentionDays > 0 {
		if err := e.purge(ctx, r, folders, startedAt); err != nil {
			return r.res, err
		}
	}

	if err := ctx.Err(); err != nil {
		return r.res, err
	}

	progress.SetPhase("finalizing")
	if r.res.Failed == 0 {
		if err := e.store.UpdateCheckpoint(ctx, acct.ID, startedAt); err != nil {
			return r.res, fmt.Errorf("advancing checkpoint: %w", err)
		}
		r.res.CheckpointAdvanced = true
	} else {
		r.log.Warn().Int("failed", r.res.Failed).Msg("Checkpoint left unchanged after failures")
	}

	r.log.Info().
		Int("folders", r.res.Folders).
		Int("archived", r.res.Archived).
		Int("skipped", r.res.Skipped).
		Int("failed", r.res.Failed).
		Int("remote_deleted", r.res.RemoteDeleted).
		Msg("Sync finished")
	return r.res, nil
}

// syncFolder streams the folder's new messages and archives them in
// batches.
func (e *Engine) syncFolder(ctx context.Context, r *run, folder provider.Folder, w provider.Window) error {
	direction := Classify(folder)
	r.progress.SetPhase("syncing " + folder.Name)
	log := r.log.With().Str("folder", folder.Name).Str("direction", string(direction)).Logger()
	log.Debug().Time("since", w.Since).Bool("initial", w.Initial).Msg("Syncing folder")

	var pending []provider.MessageRef
	flush := func(n int) error {
		for len(pending) >= n && len(pending) > 0 {
			size := min(e.opts.BatchSize, len(pending))
			if err := e.processBatch(ctx, r, folder, direction, pending[:size]); err != nil {
				return err
			}
			pending = pending[size:]
		}
		return nil
	}

	err := r.prov.FetchSince(ctx, folder, w, func(refs []provider.MessageRef) error {
		r.progress.AddTotal(len(refs))
		pending = append(pending, refs...)
		return flush(e.opts.BatchSize)
	})
	if err != nil {
		return err
	}
	return flush(1)
}

// processBatch archives one batch with the configured pauses. Only
// cancellation stops it early.
func (e *Engine) processBatch(
	ctx context.Context,
	r *run,
	folder provider.Folder,
	direction model.Direction,
	batch []provider.MessageRef,
) error {
	if r.batchStarted {
		if err := pause(ctx, e.opts.BatchPause); err != nil {
			return err
		}
	}
	r.batchStarted = true

	for i, ref := range batch {
		if i > 0 {
			if err := pause(ctx, e.opts.MessagePause); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := e.processMessage(ctx, r, folder, direction, ref)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.log.Warn().Err(err).Str("folder", folder.Name).Str("ref", ref.ID).Msg("Message failed")
			r.res.Failed++
			r.progress.RecordFailure()
			e.metrics.Failed(r.acct.ID, 1)
		case out.Duplicate:
			r.res.Skipped++
			r.progress.RecordSkip()
			e.metrics.Skipped(r.acct.ID, 1)
		default:
			r.res.Archived++
			r.progress.RecordSuccess()
			e.metrics.Archived(r.acct.ID, 1)
		}
	}
	return nil
}

func (e *Engine) processMessage(
	ctx context.Context,
	r *run,
	folder provider.Folder,
	direction model.Direction,
	ref provider.MessageRef,
) (archive.Outcome, error) {
	// A known identifier is enough to skip without downloading.
	if ref.MessageID != "" {
		exists, err := e.store.MessageExists(ctx, r.acct.ID, dedup.OfRef(ref).Key)
		if err != nil {
			return archive.Outcome{}, err
		}
		if exists {
			return archive.Outcome{Duplicate: true, Reason: dedup.ReasonKey}, nil
		}
	}

	msg, err := provider.WithReconnect(ctx, r.prov, func() (*provider.Message, error) {
		return r.prov.FetchFull(ctx, ref)
	})
	if err != nil {
		return archive.Outcome{}, fmt.Errorf("fetching: %w", err)
	}

	atts, err := r.prov.ListAttachments(ctx, msg)
	if err != nil {
		return archive.Outcome{}, fmt.Errorf("harvesting attachments: %w", err)
	}

	return e.archiver.Archive(ctx, archive.Request{
		AccountID:   r.acct.ID,
		Folder:      folder.Name,
		Direction:   direction,
		Message:     msg,
		Attachments: atts,
	})
}

// purge deletes remote messages older than the retention cutoff that
// are provably archived. Failures are logged and skipped.
func (e *Engine) purge(ctx context.Context, r *run, folders []provider.Folder, startedAt time.Time) error {
	cutoff := startedAt.Add(-time.Duration(r.acct.RetentionDays) * 24 * time.Hour)
	r.progress.SetPhase("deleting old messages")

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}

		var archived []provider.MessageRef
		err := r.prov.FetchBefore(ctx, folder, cutoff, func(refs []provider.MessageRef) error {
			for _, ref := range refs {
				ok, err := e.store.MessageExists(ctx, r.acct.ID, dedup.OfRef(ref).Key)
				if err != nil {
					return err
				}
				if ok {
					archived = append(archived, ref)
				}
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Str("folder", folder.Name).Msg("Retention search failed")
			continue
		}
		if len(archived) == 0 {
			continue
		}

		err = provider.Retry(ctx, r.prov, func() error {
			return r.prov.FlagForDeletion(ctx, folder, archived)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Str("folder", folder.Name).Int("count", len(archived)).
				Msg("Remote deletion failed")
			continue
		}

		r.res.RemoteDeleted += len(archived)
		e.metrics.RemoteDeleted(r.acct.ID, len(archived))
		r.log.Info().Str("folder", folder.Name).Int("count", len(archived)).
			Time("cutoff", cutoff).Msg("Deleted archived messages from server")
	}
	return nil
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
