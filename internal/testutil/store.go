// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// SeedAccount inserts an enabled IMAP account with the given ID and
// optional checkpoint and returns it as stored.
func SeedAccount(
	t *testing.T,
	s *store.SQLiteStore,
	id string,
	checkpoint *time.Time,
) model.Account {
	t.Helper()

	ctx := context.Background()
	acct := model.Account{
		ID:       id,
		Name:     id,
		Email:    id + "@example.com",
		Kind:     model.AccountKindIMAP,
		Host:     "imap.example.com",
		Port:     993,
		TLS:      model.TLSImplicit,
		Username: id,
		Enabled:  true,
	}
	if _, err := s.UpsertAccount(ctx, acct); err != nil {
		t.Fatalf("seeding account %s: %v", id, err)
	}
	if checkpoint != nil {
		if err := s.UpdateCheckpoint(ctx, id, *checkpoint); err != nil {
			t.Fatalf("seeding checkpoint for %s: %v", id, err)
		}
	}

	got, err := s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("reloading account %s: %v", id, err)
	}
	return *got
}
