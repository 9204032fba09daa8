package jobs

import "sync"

// AccountLocks maps an account to the job that holds it. One table may
// be shared by several registries to make their families mutually
// exclusive per account.
type AccountLocks struct {
	mu   sync.Mutex
	held map[string]string
}

// NewAccountLocks returns an empty lock table.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{held: make(map[string]string)}
}

// TryAcquire records jobID as the holder of accountID unless another
// job holds it; holder is the existing or new holder.
func (l *AccountLocks) TryAcquire(accountID, jobID string) (holder string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, exists := l.held[accountID]; exists && cur != jobID {
		return cur, false
	}
	l.held[accountID] = jobID
	return jobID, true
}

// Release frees accountID if jobID holds it.
func (l *AccountLocks) Release(accountID, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[accountID] == jobID {
		delete(l.held, accountID)
	}
}

// Holder returns the job holding accountID.
func (l *AccountLocks) Holder(accountID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[accountID]
	return id, ok
}
