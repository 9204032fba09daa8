package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/app"
	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/provider/providertest"
	appsync "github.com/nhle/mail-archiver/internal/sync"
	"github.com/nhle/mail-archiver/internal/testutil"
)

func testConfig() *model.AppConfig {
	return &model.AppConfig{
		Sync:   model.SyncConfig{BatchSize: 10, PollIntervalSec: 3600},
		Dedup:  model.DedupConfig{ToleranceSec: 2, HeuristicWithID: true},
		Limits: model.LimitsConfig{MaxIndexBytes: 900_000},
		Jobs: model.JobsConfig{
			CleanupSchedule:    "@every 1h",
			SyncPollMs:         5,
			RestorePollMs:      5,
			DeletionPollMs:     5,
			ImportPollMs:       5,
			SyncRetentionHours: 1,
		},
		Accounts: []model.AccountConfig{{
			ID:       "work",
			Name:     "Work",
			Kind:     "imap",
			Host:     "imap.example.com",
			Username: "me",
			Enabled:  true,
		}},
	}
}

func newApp(t *testing.T) (*app.App, *providertest.Provider) {
	t.Helper()
	fake := providertest.New()
	factory := provider.NewFactory(nil, provider.Options{})
	factory.Register(model.AccountKindIMAP, fake.Builder())

	a, err := app.New(context.Background(), testConfig(), zerolog.Nop(),
		app.WithStore(testutil.NewTestStore(t)), app.WithProviders(factory))
	require.NoError(t, err)
	return a, fake
}

func TestNewSeedsConfiguredAccounts(t *testing.T) {
	a, _ := newApp(t)

	acct, err := a.Store.GetAccount(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, model.AccountKindIMAP, acct.Kind)
	assert.Equal(t, 993, acct.Port)
	assert.True(t, acct.Enabled)
}

func TestSyncNowRunsThroughWorkers(t *testing.T) {
	a, fake := newApp(t)
	sent := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	fake.AddMessage("INBOX", &provider.Message{
		MessageID: "a@example.com", Subject: "a", From: []string{"x@example.com"}, SentAt: sent, TextBody: "a",
	})
	fake.AddMessage("INBOX", &provider.Message{
		MessageID: "b@example.com", Subject: "b", From: []string{"x@example.com"}, SentAt: sent, TextBody: "b",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Work(ctx) }()

	ids, err := a.SyncNow(ctx, "work", false)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job, ok := a.Sync.Get(ids[0])
	require.True(t, ok)
	snap, err := job.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, int64(2), snap.Succeeded)

	entries, err := a.Store.GetJobLog(ctx, ids[0])
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	cancel()
	assert.NoError(t, <-done)
}

func TestSyncNowRejectsUnknownAccount(t *testing.T) {
	a, _ := newApp(t)
	_, err := a.SyncNow(context.Background(), "ghost", false)
	assert.Error(t, err)
}

func TestMetricsHandlerServesArchiveCounters(t *testing.T) {
	a, fake := newApp(t)
	fake.AddMessage("INBOX", &provider.Message{
		MessageID: "a@example.com", Subject: "a", From: []string{"x@example.com"},
		SentAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	_, err := a.Engine.Sync(context.Background(), appsync.Payload{AccountID: "work"}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(a.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mailarchiver_messages_archived_total{account="work"} 1`)
}

func TestRemoveAccountRefusesWhileJobActive(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()

	ids, err := a.SyncNow(ctx, "work", false)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	err = a.RemoveAccount(ctx, "work")
	require.ErrorIs(t, err, app.ErrAccountInUse)

	require.True(t, a.Sync.Cancel(ids[0]))
	require.NoError(t, a.RemoveAccount(ctx, "work"))

	_, err = a.Store.GetAccount(ctx, "work")
	assert.Error(t, err)
}
