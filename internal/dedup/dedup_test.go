package dedup_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/dedup"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/testutil"
)

var sent = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func TestKeyPrefersMessageID(t *testing.T) {
	id := dedup.KeyFor(" <abc@example.com> ", []string{"a@x"}, []string{"b@x"}, "Hi", sent)
	assert.Equal(t, "abc@example.com", id.Key)
	assert.True(t, id.HasMessageID())
}

func TestHashKeyIsDeterministicAndNormalized(t *testing.T) {
	a := dedup.KeyFor("", []string{"Alice@Example.com"}, []string{"c@x", "b@x"}, "Status  Report", sent)
	b := dedup.KeyFor("", []string{"alice@example.com"}, []string{"b@x", "c@x"}, "status report", sent)

	assert.True(t, strings.HasPrefix(a.Key, "hash:"))
	assert.Equal(t, a.Key, b.Key)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.False(t, a.HasMessageID())

	later := dedup.KeyFor("", []string{"alice@example.com"}, []string{"b@x", "c@x"}, "status report", sent.Add(time.Second))
	assert.NotEqual(t, a.Key, later.Key)
	assert.Equal(t, a.Fingerprint, later.Fingerprint)
}

func TestRefAndMessageAgree(t *testing.T) {
	msg := &provider.Message{
		Subject: "Invoice",
		From:    []string{"billing@example.com"},
		To:      []string{"me@example.com"},
		SentAt:  sent,
	}
	ref := provider.MessageRef{
		Subject: "Invoice",
		From:    []string{"billing@example.com"},
		To:      []string{"me@example.com"},
		Date:    sent,
	}
	assert.Equal(t, dedup.OfMessage(msg), dedup.OfRef(ref))
}

func archive(t *testing.T, ctx context.Context, s interface {
	InsertMessage(context.Context, *model.ArchivedMessage) (bool, error)
}, accountID string, id dedup.Identity) {
	t.Helper()
	created, err := s.InsertMessage(ctx, &model.ArchivedMessage{
		AccountID:   accountID,
		DedupKey:    id.Key,
		MessageID:   id.MessageID,
		Fingerprint: id.Fingerprint,
		SentAt:      id.Date,
		Direction:   model.DirectionIncoming,
		Folder:      "INBOX",
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestResolveExactKey(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "acct", nil)
	idx := dedup.NewIndex(s, dedup.DefaultPolicy())

	id := dedup.KeyFor("m1@example.com", []string{"a@x"}, []string{"b@x"}, "Hi", sent)
	res, err := idx.Resolve(ctx, "acct", id)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	archive(t, ctx, s, "acct", id)

	res, err = idx.Resolve(ctx, "acct", id)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, dedup.ReasonKey, res.Reason)
}

func TestResolveToleranceWindow(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "acct", nil)
	testutil.SeedAccount(t, s, "other", nil)
	idx := dedup.NewIndex(s, dedup.DefaultPolicy())

	from, to := []string{"a@x"}, []string{"b@x"}
	archive(t, ctx, s, "acct", dedup.KeyFor("", from, to, "Lunch", sent))

	tests := []struct {
		name    string
		account string
		offset  time.Duration
		want    bool
	}{
		{"same second", "acct", 0, true},
		{"within two seconds", "acct", 2 * time.Second, true},
		{"before within two seconds", "acct", -2 * time.Second, true},
		{"three seconds later", "acct", 3 * time.Second, false},
		{"different account", "other", time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := idx.Resolve(ctx, tt.account, dedup.KeyFor("", from, to, "Lunch", sent.Add(tt.offset)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Duplicate)
		})
	}
}

func TestResolveRegeneratedMessageID(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "acct", nil)

	from, to := []string{"a@x"}, []string{"b@x"}
	archive(t, ctx, s, "acct", dedup.KeyFor("import-1@local", from, to, "Trip", sent))
	regenerated := dedup.KeyFor("live-7@server", from, to, "Trip", sent.Add(time.Second))

	res, err := dedup.NewIndex(s, dedup.DefaultPolicy()).Resolve(ctx, "acct", regenerated)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, dedup.ReasonSimilar, res.Reason)

	strict := dedup.NewIndex(s, dedup.Policy{Tolerance: 2 * time.Second, HeuristicWithID: false})
	res, err = strict.Resolve(ctx, "acct", regenerated)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestResolveSkipsHeuristicWithoutDate(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	testutil.SeedAccount(t, s, "acct", nil)

	from, to := []string{"a@x"}, []string{"b@x"}
	archive(t, ctx, s, "acct", dedup.KeyFor("", from, to, "Undated", time.Time{}))

	res, err := dedup.NewIndex(s, dedup.DefaultPolicy()).
		Resolve(ctx, "acct", dedup.KeyFor("x@y", from, to, "Undated", time.Time{}))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestPolicyFromConfig(t *testing.T) {
	p := dedup.PolicyFromConfig(model.DedupConfig{ToleranceSec: 5, HeuristicWithID: true})
	assert.Equal(t, 5*time.Second, p.Tolerance)
	assert.True(t, p.HeuristicWithID)
}

func TestLocksSerializePerKey(t *testing.T) {
	var locks dedup.Locks
	var mu sync.Mutex
	active, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("acct")
			defer unlock()

			mu.Lock()
			active++
			peak = max(peak, active)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)

	// Different keys do not block each other.
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	unlockB()
	unlockA()
}
