// Package deletion removes archived messages in bulk.
package deletion

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/store"
)

// Payload is the parameter of a deletion job. When AccountID is set,
// only messages of that account may be deleted.
type Payload struct {
	AccountID  string
	MessageIDs []string
}

// Store is the persistence a deletion needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetMessage(ctx context.Context, id string) (*model.ArchivedMessage, error)
	DeleteMessage(ctx context.Context, id string) error
}

// ErrForeignMessage marks a message that belongs to another account.
var ErrForeignMessage = errors.New("message belongs to another account")

// Deleter runs deletion jobs. Attachments go with their message.
type Deleter struct {
	store Store
	log   zerolog.Logger
}

// New returns a Deleter.
func New(s Store, log zerolog.Logger) *Deleter {
	return &Deleter{store: s, log: log}
}

// Run is the jobs.Body of the deletion family.
func (d *Deleter) Run(ctx context.Context, job *jobs.Job[Payload]) error {
	_, err := d.Delete(ctx, job.Payload, job)
	return err
}

// Delete removes each message independently and returns how many were
// deleted.
func (d *Deleter) Delete(ctx context.Context, p Payload, progress jobs.Progress) (int, error) {
	if progress == nil {
		progress = jobs.Discard
	}
	if p.AccountID != "" {
		_, err := d.store.GetAccount(ctx, p.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, jobs.Setupf("account %s does not exist", p.AccountID)
		}
		if err != nil {
			return 0, fmt.Errorf("loading account %s: %w", p.AccountID, err)
		}
	}

	log := d.log.With().Str("account", p.AccountID).Logger()
	progress.AddTotal(len(p.MessageIDs))
	progress.SetPhase("deleting")

	deleted := 0
	for _, id := range p.MessageIDs {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := d.deleteOne(ctx, p.AccountID, id); err != nil {
			log.Warn().Err(err).Str("message", id).Msg("Delete failed")
			progress.RecordFailure()
			continue
		}
		deleted++
		progress.RecordSuccess()
	}

	log.Info().Int("deleted", deleted).Int("requested", len(p.MessageIDs)).Msg("Deletion finished")
	return deleted, nil
}

func (d *Deleter) deleteOne(ctx context.Context, accountID, id string) error {
	if accountID != "" {
		m, err := d.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if m.AccountID != accountID {
			return fmt.Errorf("%s: %w", id, ErrForeignMessage)
		}
	}
	return d.store.DeleteMessage(ctx, id)
}
