package sync

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
)

// SyncState represents the current state of an account's sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID string
	State     SyncState
	JobID     string
	// LastSync is when the last run without failed messages completed.
	LastSync  time.Time
	Error     string
}

// Submitter queues sync jobs.
type Submitter interface {
	Submit(accountID string, payload Payload) (string, error)
	OnFinish(fn func(jobs.Snapshot))
}

// AccountLister lists the accounts to poll.
type AccountLister interface {
	GetAccounts(ctx context.Context) ([]model.Account, error)
}

// defaultInterval applies when no poll interval is configured.
const defaultInterval = 5 * time.Minute

// Poller periodically submits a sync job for every enabled account.
// Accounts that already have an active job are left alone.
type Poller struct {
	accounts  AccountLister
	submitter Submitter
	interval  time.Duration
	log       zerolog.Logger

	statuses  map[string]*SyncStatus
	triggerCh chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
}

// allAccounts is the trigger value that polls every account.
const allAccounts = ""

// NewPoller creates a Poller. Job outcomes reported by submitter keep
// the statuses current.
func NewPoller(accounts AccountLister, submitter Submitter, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	p := &Poller{
		accounts:  accounts,
		submitter: submitter,
		interval:  interval,
		log:       log,
		statuses:  make(map[string]*SyncStatus),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	submitter.OnFinish(p.jobFinished)
	return p
}

// Start launches the polling loop. It polls once immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
}

// RefreshAll triggers an immediate poll of all accounts.
func (p *Poller) RefreshAll() {
	p.trigger(allAccounts)
}

// RefreshAccount triggers an immediate poll of one account.
func (p *Poller) RefreshAccount(accountID string) {
	p.trigger(accountID)
}

func (p *Poller) trigger(accountID string) {
	select {
	case p.triggerCh <- accountID:
	default:
		// Channel full; the next tick catches up.
	}
}

// GetStatuses returns the sync status of every account seen so far,
// ordered by account id.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Msg("Sync poller started")
	p.Poll(ctx, allAccounts)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Poll(ctx, allAccounts)
		case id := <-p.triggerCh:
			p.Poll(ctx, id)
		}
	}
}

// Poll submits sync jobs for the enabled accounts matching accountID,
// or for all of them when accountID is empty. It returns the ids of the
// jobs it queued.
func (p *Poller) Poll(ctx context.Context, accountID string) []string {
	accts, err := p.accounts.GetAccounts(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("Listing accounts for sync")
		return nil
	}

	var queued []string
	for _, acct := range accts {
		if accountID != allAccounts && acct.ID != accountID {
			continue
		}
		if !acct.Enabled {
			continue
		}

		jobID, err := p.submitter.Submit(acct.ID, Payload{AccountID: acct.ID})
		switch {
		case errors.Is(err, jobs.ErrAlreadyRunning):
			p.log.Debug().Str("account", acct.ID).Msg("Sync already active")
		case err != nil:
			p.log.Error().Err(err).Str("account", acct.ID).Msg("Submitting sync job")
			p.setStatus(acct.ID, SyncError, "", err.Error())
		default:
			p.setStatus(acct.ID, SyncRunning, jobID, "")
			queued = append(queued, jobID)
		}
	}
	return queued
}

// jobFinished updates the account status from a terminal job.
func (p *Poller) jobFinished(snap jobs.Snapshot) {
	switch snap.Status {
	case jobs.StatusCompleted:
		p.setStatus(snap.AccountID, SyncIdle, snap.ID, "")
		if snap.Failed == 0 {
			p.markSynced(snap.AccountID, snap.CompletedAt)
		}
	case jobs.StatusFailed:
		p.setStatus(snap.AccountID, SyncError, snap.ID, snap.Error)
	default:
		p.setStatus(snap.AccountID, SyncIdle, snap.ID, snap.Error)
	}
}

// markSynced records the completion time of a run without failures.
func (p *Poller) markSynced(accountID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.statuses[accountID]; ok {
		status.LastSync = at
	}
}

// setStatus updates the sync status for an account.
func (p *Poller) setStatus(accountID string, state SyncState, jobID, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[accountID]
	if !ok {
		status = &SyncStatus{AccountID: accountID}
		p.statuses[accountID] = status
	}

	status.State = state
	status.JobID = jobID
	status.Error = errMsg
}
