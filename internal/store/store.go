package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mail-archiver/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MessageFilter controls filtering, sorting, and pagination for message queries.
type MessageFilter struct {
	AccountID *string
	Folder    *string
	Direction *model.Direction
	Since     *time.Time
	Before    *time.Time
	SortBy    string // "sent_at", "archived_at", "subject"
	SortDesc  bool
	Limit     int
	Offset    int
}

// SimilarQuery describes the envelope heuristic used to detect a
// message whose identifier was regenerated by its provider.
type SimilarQuery struct {
	AccountID   string
	Fingerprint string
	SentAt      time.Time
	Tolerance   time.Duration
}

// Store defines the persistence interface for accounts, archived
// messages with their attachments, and the job audit log.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, acct model.Account) (checkpointReset bool, err error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccounts(ctx context.Context) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	UpdateCheckpoint(ctx context.Context, accountID string, at time.Time) error
	ResetCheckpoint(ctx context.Context, accountID string) error

	// === Messages ===

	InsertMessage(ctx context.Context, msg *model.ArchivedMessage) (created bool, err error)
	MessageExists(ctx context.Context, accountID, dedupKey string) (bool, error)
	FindSimilar(ctx context.Context, q SimilarQuery) (bool, error)
	GetMessage(ctx context.Context, id string) (*model.ArchivedMessage, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.ArchivedMessage, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int, error)
	SearchMessages(ctx context.Context, accountID, query string, limit int) ([]model.ArchivedMessage, error)
	DeleteMessage(ctx context.Context, id string) error

	// === Job log ===

	AppendJobLog(ctx context.Context, entry model.JobLogEntry) error
	GetJobLog(ctx context.Context, jobID string) ([]model.JobLogEntry, error)
	GetRecentJobLog(ctx context.Context, accountID string, limit int) ([]model.JobLogEntry, error)
}
