package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
	appsync "github.com/nhle/mail-archiver/internal/sync"
)

// ErrAccountInUse is returned by RemoveAccount while a job still
// references the account.
var ErrAccountInUse = errors.New("account is referenced by an active job")

// seedAccounts upserts every configured account. Accounts whose
// connection settings changed lose their checkpoint and are fully
// resynchronized on the next run. Accounts only present in the
// database are left alone so their archive stays reachable.
func (a *App) seedAccounts(ctx context.Context) error {
	for _, c := range a.Config.Accounts {
		acct := model.AccountFromConfig(c)
		reset, err := a.Store.UpsertAccount(ctx, acct)
		if err != nil {
			return fmt.Errorf("registering account %s: %w", c.ID, err)
		}

		log := a.log.Info().Str("account", acct.ID).Str("kind", string(acct.Kind)).Bool("enabled", acct.Enabled)
		if reset {
			log.Msg("Account settings changed; next sync re-reads the mailbox")
			continue
		}
		log.Msg("Account registered")
	}
	return nil
}

// SyncNow queues a sync of one account, or of every enabled account
// when accountID is empty, and returns the queued job ids.
func (a *App) SyncNow(ctx context.Context, accountID string, full bool) ([]string, error) {
	var accts []model.Account
	if accountID != "" {
		acct, err := a.Store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !acct.Enabled {
			return nil, fmt.Errorf("account %s is disabled", accountID)
		}
		accts = append(accts, *acct)
	} else {
		all, err := a.Store.GetAccounts(ctx)
		if err != nil {
			return nil, err
		}
		accts = all
	}

	var ids []string
	for _, acct := range accts {
		if !acct.Enabled {
			continue
		}
		id, err := a.Sync.Submit(acct.ID, appsync.Payload{AccountID: acct.ID, Full: full})
		if err != nil {
			return ids, fmt.Errorf("queueing sync of %s: %w", acct.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveAccount deletes an account and its archive. It refuses while any
// job family holds a queued or running job for the account.
func (a *App) RemoveAccount(ctx context.Context, accountID string) error {
	if hasActive(a.Sync, accountID) || hasActive(a.Restore, accountID) ||
		hasActive(a.Deletion, accountID) || hasActive(a.Import, accountID) {
		return fmt.Errorf("removing %s: %w", accountID, ErrAccountInUse)
	}
	if _, err := a.Store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	return a.Store.DeleteAccount(ctx, accountID)
}

func hasActive[P any](r *jobs.Registry[P], accountID string) bool {
	for _, job := range r.ListActive() {
		if job.AccountID == accountID {
			return true
		}
	}
	return false
}
