package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/store"
)

// Policy tunes the heuristic duplicate test.
type Policy struct {
	// Tolerance is the widest gap between two sent timestamps that
	// still counts as the same message. Negative disables the test.
	Tolerance time.Duration

	// HeuristicWithID applies the test to messages that carry a
	// Message-ID as well.
	HeuristicWithID bool
}

// DefaultPolicy matches within two seconds regardless of identifiers.
func DefaultPolicy() Policy {
	return Policy{Tolerance: 2 * time.Second, HeuristicWithID: true}
}

// PolicyFromConfig converts the dedup configuration section.
func PolicyFromConfig(c model.DedupConfig) Policy {
	return Policy{
		Tolerance:       time.Duration(c.ToleranceSec) * time.Second,
		HeuristicWithID: c.HeuristicWithID,
	}
}

// Reason says why a message was judged a duplicate.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonKey     Reason = "key"
	ReasonSimilar Reason = "similar"
)

// Result is the outcome of Resolve.
type Result struct {
	Identity
	Duplicate bool
	Reason    Reason
}

// Lookup is the read side of the archive the index consults.
type Lookup interface {
	MessageExists(ctx context.Context, accountID, dedupKey string) (bool, error)
	FindSimilar(ctx context.Context, q store.SimilarQuery) (bool, error)
}

// Index resolves identities against the archive. Callers that go on to
// insert must hold the account lock from Resolve until the insert, so
// two writers for one account cannot both see "new"; the unique
// (account, key) constraint in the store backs this up.
type Index struct {
	lookup Lookup
	policy Policy
	locks  Locks
}

// NewIndex returns an index over lookup.
func NewIndex(lookup Lookup, policy Policy) *Index {
	return &Index{lookup: lookup, policy: policy}
}

// Policy returns the policy in effect.
func (x *Index) Policy() Policy {
	return x.policy
}

// Lock serializes archival for accountID. The returned func unlocks.
func (x *Index) Lock(accountID string) func() {
	return x.locks.Lock(accountID)
}

// Resolve reports whether id is already archived for accountID.
func (x *Index) Resolve(ctx context.Context, accountID string, id Identity) (Result, error) {
	res := Result{Identity: id}

	exists, err := x.lookup.MessageExists(ctx, accountID, id.Key)
	if err != nil {
		return res, fmt.Errorf("checking dedup key: %w", err)
	}
	if exists {
		res.Duplicate = true
		res.Reason = ReasonKey
		return res, nil
	}

	if !x.heuristicApplies(id) {
		return res, nil
	}

	similar, err := x.lookup.FindSimilar(ctx, store.SimilarQuery{
		AccountID:   accountID,
		Fingerprint: id.Fingerprint,
		SentAt:      id.Date,
		Tolerance:   x.policy.Tolerance,
	})
	if err != nil {
		return res, fmt.Errorf("checking similar messages: %w", err)
	}
	if similar {
		res.Duplicate = true
		res.Reason = ReasonSimilar
	}
	return res, nil
}

func (x *Index) heuristicApplies(id Identity) bool {
	if x.policy.Tolerance < 0 || id.Date.IsZero() {
		return false
	}
	return !id.HasMessageID() || x.policy.HeuristicWithID
}

// Locks is a set of per-account mutexes. The zero value is ready to use.
type Locks struct {
	m sync.Map
}

// Lock acquires the mutex for key and returns its unlock func.
func (l *Locks) Lock(key string) func() {
	v, _ := l.m.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
