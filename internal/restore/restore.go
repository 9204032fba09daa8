// Package restore uploads archived messages back into a remote mailbox.
package restore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/store"
)

// Payload is the parameter of a restore job.
type Payload struct {
	AccountID  string
	Folder     string
	MessageIDs []string
}

// Store loads the target account and the archived messages.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetMessage(ctx context.Context, id string) (*model.ArchivedMessage, error)
}

// ProviderFactory builds an unconnected provider for an account.
type ProviderFactory interface {
	New(acct model.Account) (provider.Provider, error)
}

// Result summarizes one restore run.
type Result struct {
	Restored int
	Failed   int
}

// Restorer appends archived messages to a folder of the target account.
type Restorer struct {
	store     Store
	providers ProviderFactory
	pause     time.Duration
	log       zerolog.Logger
}

// New returns a Restorer that waits pause between messages.
func New(s Store, providers ProviderFactory, pause time.Duration, log zerolog.Logger) *Restorer {
	return &Restorer{store: s, providers: providers, pause: pause, log: log}
}

// Run is the jobs.Body of the restore family.
func (r *Restorer) Run(ctx context.Context, job *jobs.Job[Payload]) error {
	_, err := r.Restore(ctx, job.Payload, job)
	return err
}

// Restore uploads every requested message. A message that cannot be
// loaded or appended is counted as failed and the rest continue.
func (r *Restorer) Restore(ctx context.Context, p Payload, progress jobs.Progress) (Result, error) {
	var res Result
	if progress == nil {
		progress = jobs.Discard
	}
	if p.Folder == "" {
		return res, jobs.Setupf("restore needs a target folder")
	}

	acct, err := r.store.GetAccount(ctx, p.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return res, jobs.Setupf("account %s does not exist", p.AccountID)
	}
	if err != nil {
		return res, fmt.Errorf("loading account %s: %w", p.AccountID, err)
	}
	if !acct.Enabled {
		return res, jobs.Setupf("account %s is disabled", acct.ID)
	}

	prov, err := r.providers.New(*acct)
	if err != nil {
		return res, jobs.Setup(err)
	}

	log := r.log.With().Str("account", acct.ID).Str("folder", p.Folder).Logger()
	progress.AddTotal(len(p.MessageIDs))
	progress.SetPhase("connecting")
	if err := prov.Connect(ctx); err != nil {
		return res, fmt.Errorf("connecting account %s: %w", acct.ID, err)
	}
	defer func() {
		if err := prov.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing provider")
		}
	}()

	progress.SetPhase("restoring")
	for i, id := range p.MessageIDs {
		if i > 0 {
			if err := pause(ctx, r.pause); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := r.restoreOne(ctx, prov, p.Folder, id); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Warn().Err(err).Str("message", id).Msg("Restore failed")
			res.Failed++
			progress.RecordFailure()
			continue
		}
		res.Restored++
		progress.RecordSuccess()
	}

	log.Info().Int("restored", res.Restored).Int("failed", res.Failed).Msg("Restore finished")
	return res, nil
}

func (r *Restorer) restoreOne(ctx context.Context, prov provider.Provider, folder, id string) error {
	m, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	raw, err := Compose(m)
	if err != nil {
		return err
	}

	msg := &provider.Message{
		MessageID:  m.MessageID,
		Subject:    m.Subject,
		From:       m.From,
		To:         m.To,
		SentAt:     m.SentAt,
		ReceivedAt: m.ReceivedAt,
		Raw:        raw,
	}
	return provider.Retry(ctx, prov, func() error {
		return prov.AppendMessage(ctx, folder, msg)
	})
}

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
