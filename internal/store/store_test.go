package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/store"
	"github.com/nhle/mail-archiver/internal/testutil"
)

func newMessage(accountID, key string, sent time.Time) *model.ArchivedMessage {
	return &model.ArchivedMessage{
		AccountID:   accountID,
		DedupKey:    key,
		MessageID:   key,
		Fingerprint: "fp-" + key,
		Subject:     "Quarterly report",
		From:        []string{"alice@example.com"},
		To:          []string{"bob@example.com"},
		SentAt:      sent,
		ReceivedAt:  sent,
		Direction:   model.DirectionIncoming,
		Folder:      "INBOX",
		Body:        "numbers attached",
	}
}

func TestInsertMessageIsCreateIfAbsent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "acct", nil)

	sent := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := newMessage("acct", "<a@example.com>", sent)
	msg.Attachments = []model.Attachment{{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4"),
	}}

	created, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	again := newMessage("acct", "<a@example.com>", sent)
	created, err = s.InsertMessage(ctx, again)
	require.NoError(t, err)
	assert.False(t, created, "second insert with same dedup key must be ignored")

	count, err := s.CountMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)
	assert.Equal(t, int64(8), got.Attachments[0].Size)
	assert.Equal(t, []string{"alice@example.com"}, got.From)
	assert.True(t, got.SentAt.Equal(sent))
}

func TestSameDedupKeyAcrossAccountsIsAllowed(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "a1", nil)
	testutil.SeedAccount(t, s, "a2", nil)

	sent := time.Now().UTC()
	created, err := s.InsertMessage(ctx, newMessage("a1", "k", sent))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.InsertMessage(ctx, newMessage("a2", "k", sent))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFindSimilarHonorsTolerance(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "acct", nil)

	sent := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := newMessage("acct", "hash:1", sent)
	msg.Fingerprint = "same"
	_, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)

	q := store.SimilarQuery{
		AccountID:   "acct",
		Fingerprint: "same",
		SentAt:      sent.Add(2 * time.Second),
		Tolerance:   2 * time.Second,
	}
	found, err := s.FindSimilar(ctx, q)
	require.NoError(t, err)
	assert.True(t, found)

	q.SentAt = sent.Add(3 * time.Second)
	found, err = s.FindSimilar(ctx, q)
	require.NoError(t, err)
	assert.False(t, found)

	q.SentAt = sent
	q.AccountID = "other"
	found, err = s.FindSimilar(ctx, q)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertAccountResetsCheckpointOnConnectionChange(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	cp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	acct := testutil.SeedAccount(t, s, "acct", &cp)
	require.NotNil(t, acct.Checkpoint)
	assert.True(t, acct.Checkpoint.Equal(cp))

	acct.Name = "renamed"
	reset, err := s.UpsertAccount(ctx, acct)
	require.NoError(t, err)
	assert.False(t, reset, "renaming must keep the checkpoint")

	got, err := s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	require.NotNil(t, got.Checkpoint)

	acct.Host = "imap.other.example.com"
	reset, err = s.UpsertAccount(ctx, acct)
	require.NoError(t, err)
	assert.True(t, reset)

	got, err = s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Nil(t, got.Checkpoint)
	assert.Equal(t, "renamed", got.Name)
}

func TestGetAccountNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMessageCascadesAttachments(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "acct", nil)

	msg := newMessage("acct", "k", time.Now())
	msg.Attachments = []model.Attachment{{Filename: "a.txt", Content: []byte("x")}}
	_, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, msg.ID))

	_, err = s.GetMessage(ctx, msg.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteMessage(ctx, msg.ID), store.ErrNotFound)
}

func TestSearchMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "acct", nil)

	m1 := newMessage("acct", "k1", time.Now())
	m1.Subject = "Invoice for March"
	m2 := newMessage("acct", "k2", time.Now())
	m2.Subject = "Lunch"
	m2.Body = "pizza on friday"
	for _, m := range []*model.ArchivedMessage{m1, m2} {
		_, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	found, err := s.SearchMessages(ctx, "acct", "invoice", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, m1.ID, found[0].ID)

	found, err = s.SearchMessages(ctx, "", "pizza", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, m2.ID, found[0].ID)
}

func TestGetMessagesFilter(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.SeedAccount(t, s, "acct", nil)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, folder := range []string{"INBOX", "Sent", "INBOX"} {
		m := newMessage("acct", folder+string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour))
		m.Folder = folder
		_, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	folder := "INBOX"
	got, err := s.GetMessages(ctx, store.MessageFilter{Folder: &folder, SortDesc: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].SentAt.After(got[1].SentAt))

	since := base.Add(90 * time.Minute)
	count, err := s.CountMessages(ctx, store.MessageFilter{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestJobLogRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.AppendJobLog(ctx, model.JobLogEntry{
		JobID:      "job-1",
		Family:     "sync",
		AccountID:  "acct",
		Status:     "Completed",
		Processed:  3,
		Succeeded:  2,
		Failed:     1,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}))

	entries, err := s.GetJobLog(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Failed)

	recent, err := s.GetRecentJobLog(ctx, "acct", 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
