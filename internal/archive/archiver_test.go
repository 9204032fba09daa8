package archive_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/archive"
	"github.com/nhle/mail-archiver/internal/dedup"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/store"
	"github.com/nhle/mail-archiver/internal/testutil"
)

func newArchiver(t *testing.T, maxBytes int) (*archive.Archiver, *store.SQLiteStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "acct", nil)
	return archive.New(dedup.NewIndex(s, dedup.DefaultPolicy()), s, maxBytes, zerolog.Nop()), s
}

func sample() *provider.Message {
	return &provider.Message{
		MessageID:  "m1@example.com",
		Subject:    "Weekly report",
		From:       []string{"boss@example.com"},
		To:         []string{"me@example.com"},
		SentAt:     time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		ReceivedAt: time.Date(2024, 4, 1, 9, 0, 3, 0, time.UTC),
		TextBody:   "Numbers are up.",
		Raw:        []byte("raw source"),
	}
}

func TestArchiveTwiceStoresOnce(t *testing.T) {
	ctx := context.Background()
	a, s := newArchiver(t, 900_000)

	req := archive.Request{
		AccountID: "acct",
		Folder:    "INBOX",
		Message:   sample(),
		Attachments: []provider.Attachment{
			{Filename: "chart.png", ContentType: "image/png", ContentID: "chart", Inline: true, Content: []byte{1, 2, 3}},
		},
	}

	first, err := a.Archive(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotEmpty(t, first.ID)

	second, err := a.Archive(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, dedup.ReasonKey, second.Reason)

	n, err := s.CountMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionIncoming, got.Direction)
	assert.Equal(t, "m1@example.com", got.DedupKey)
	assert.Equal(t, int64(len("raw source")), got.Size)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "chart", got.Attachments[0].ContentID)
	assert.Equal(t, int64(3), got.Attachments[0].Size)
}

func TestArchiveConcurrentWritersStoreOnce(t *testing.T) {
	ctx := context.Background()
	a, s := newArchiver(t, 900_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	archived := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := a.Archive(ctx, archive.Request{AccountID: "acct", Folder: "INBOX", Message: sample()})
			assert.NoError(t, err)
			if !out.Duplicate {
				mu.Lock()
				archived++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, archived)
	n, err := s.CountMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestArchiveTruncatesAndPreservesOriginal(t *testing.T) {
	ctx := context.Background()
	a, s := newArchiver(t, 2_000)

	msg := sample()
	msg.TextBody = strings.Repeat("All work and no play. ", 500)
	msg.HTMLBody = "<html><body><p>" + strings.Repeat("word ", 1000) + "</p></body></html>"

	out, err := a.Archive(ctx, archive.Request{AccountID: "acct", Folder: "INBOX", Message: msg})
	require.NoError(t, err)
	assert.True(t, out.Truncated)

	got, err := s.GetMessage(ctx, out.ID)
	require.NoError(t, err)
	assert.True(t, got.Truncated)
	assert.LessOrEqual(t, len(got.Subject)+len(got.Body)+len(got.HTMLBody)+
		len("boss@example.com")+len("me@example.com")+2, 2_000)
	assert.Equal(t, msg.TextBody, got.FullBody())
	assert.Equal(t, msg.HTMLBody, got.FullHTML())
}

func TestBuildDerivesTextFromHTML(t *testing.T) {
	a, _ := newArchiver(t, 900_000)
	msg := sample()
	msg.TextBody = ""
	msg.HTMLBody = "<p>Hello <b>there</b></p>"

	rec := a.Build(archive.Request{AccountID: "acct", Direction: model.DirectionOutgoing, Message: msg}, dedup.OfMessage(msg))
	assert.Equal(t, "Hello there", rec.Body)
	assert.Equal(t, model.DirectionOutgoing, rec.Direction)
	assert.False(t, rec.Truncated)
}

func TestArchiveWithoutMessageIDUsesHeuristic(t *testing.T) {
	ctx := context.Background()
	a, _ := newArchiver(t, 900_000)

	first := sample()
	first.MessageID = ""
	_, err := a.Archive(ctx, archive.Request{AccountID: "acct", Message: first})
	require.NoError(t, err)

	near := sample()
	near.MessageID = ""
	near.SentAt = near.SentAt.Add(2 * time.Second)
	out, err := a.Archive(ctx, archive.Request{AccountID: "acct", Message: near})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, dedup.ReasonSimilar, out.Reason)

	far := sample()
	far.MessageID = ""
	far.SentAt = far.SentAt.Add(3 * time.Second)
	out, err = a.Archive(ctx, archive.Request{AccountID: "acct", Message: far})
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
}
