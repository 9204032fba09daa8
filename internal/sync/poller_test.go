package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/jobs"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/sync"
	"github.com/nhle/mail-archiver/internal/testutil"
)

func TestPollSubmitsEnabledAccountsOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "alpha", nil)
	testutil.SeedAccount(t, s, "beta", nil)
	_, err := s.UpsertAccount(context.Background(), model.Account{
		ID: "off", Name: "off", Kind: model.AccountKindIMAP, Host: "imap.example.com",
	})
	require.NoError(t, err)

	reg := jobs.NewRegistry[sync.Payload](jobs.FamilySync, jobs.WithAccountLocks(jobs.NewAccountLocks()))
	p := sync.NewPoller(s, reg, time.Hour, zerolog.Nop())

	queued := p.Poll(context.Background(), "")
	assert.Len(t, queued, 2)
	assert.Len(t, reg.ListActive(), 2)

	// Active jobs block a second submission for the same accounts.
	assert.Empty(t, p.Poll(context.Background(), ""))
	assert.Len(t, reg.ListActive(), 2)

	statuses := p.GetStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].AccountID)
	assert.Equal(t, sync.SyncRunning, statuses[0].State)
}

func TestPollSingleAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "alpha", nil)
	testutil.SeedAccount(t, s, "beta", nil)

	reg := jobs.NewRegistry[sync.Payload](jobs.FamilySync, jobs.WithAccountLocks(jobs.NewAccountLocks()))
	p := sync.NewPoller(s, reg, time.Hour, zerolog.Nop())

	queued := p.Poll(context.Background(), "beta")
	require.Len(t, queued, 1)
	job, ok := reg.Get(queued[0])
	require.True(t, ok)
	assert.Equal(t, "beta", job.Payload.AccountID)
}

func TestPollerTracksJobOutcome(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "alpha", nil)

	reg := jobs.NewRegistry[sync.Payload](jobs.FamilySync, jobs.WithAccountLocks(jobs.NewAccountLocks()))
	runner := jobs.NewRunner(reg, func(context.Context, *jobs.Job[sync.Payload]) error {
		return jobs.Setupf("account disabled")
	}, jobs.RunnerConfig{Logger: zerolog.Nop()})
	p := sync.NewPoller(s, reg, time.Hour, zerolog.Nop())

	require.Len(t, p.Poll(context.Background(), ""), 1)
	require.True(t, runner.RunOnce(context.Background()))

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, sync.SyncError, statuses[0].State)
	assert.Contains(t, statuses[0].Error, "account disabled")
}

func TestPollerStartPollsImmediatelyAndStops(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "alpha", nil)

	reg := jobs.NewRegistry[sync.Payload](jobs.FamilySync, jobs.WithAccountLocks(jobs.NewAccountLocks()))
	p := sync.NewPoller(s, reg, time.Hour, zerolog.Nop())

	p.Start(context.Background())
	assert.Eventually(t, func() bool { return len(reg.ListActive()) == 1 },
		time.Second, 5*time.Millisecond)

	p.RefreshAccount("alpha")
	p.Stop()
	p.Stop()
	assert.Len(t, reg.ListActive(), 1)
}

func TestPollerStampsLastSyncOnlyForCleanRuns(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "alpha", nil)

	failNext := true
	reg := jobs.NewRegistry[sync.Payload](jobs.FamilySync, jobs.WithAccountLocks(jobs.NewAccountLocks()))
	runner := jobs.NewRunner(reg, func(_ context.Context, job *jobs.Job[sync.Payload]) error {
		job.AddTotal(2)
		job.RecordSuccess()
		if failNext {
			job.RecordFailure()
		} else {
			job.RecordSuccess()
		}
		return nil
	}, jobs.RunnerConfig{Logger: zerolog.Nop()})
	p := sync.NewPoller(s, reg, time.Hour, zerolog.Nop())

	require.Len(t, p.Poll(context.Background(), ""), 1)
	require.True(t, runner.RunOnce(context.Background()))

	statuses := p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, sync.SyncIdle, statuses[0].State)
	assert.True(t, statuses[0].LastSync.IsZero())

	failNext = false
	require.Len(t, p.Poll(context.Background(), ""), 1)
	require.True(t, runner.RunOnce(context.Background()))

	statuses = p.GetStatuses()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].LastSync.IsZero())
}
