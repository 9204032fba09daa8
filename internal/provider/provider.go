// Package provider defines the transport-neutral mailbox surface the
// sync engine and batch jobs consume, plus the strategy factory that
// picks an implementation per account.
package provider

import (
	"context"
	"time"

	"github.com/nhle/mail-archiver/internal/mime"
	"github.com/nhle/mail-archiver/internal/model"
)

// Folder is a remote mailbox folder.
type Folder struct {
	// ID is the provider handle: the mailbox name for IMAP, the folder
	// id for REST providers.
	ID        string
	Name      string
	Delimiter string

	Attributes []string

	// Selectable is false for folders that only hold children.
	Selectable bool

	// SentHint is set when the provider itself marks the folder as the
	// sent-items folder.
	SentHint bool
}

// MessageRef identifies a remote message and carries its envelope, so
// callers can compute dedup keys without downloading bodies.
type MessageRef struct {
	Folder string
	UID    uint32
	ID     string

	MessageID string
	Subject   string
	From      []string
	To        []string
	Date      time.Time
	Size      int64
}

// Message is a fully downloaded remote message.
type Message struct {
	Ref MessageRef

	MessageID  string
	Subject    string
	From       []string
	To         []string
	Cc         []string
	Bcc        []string
	SentAt     time.Time
	ReceivedAt time.Time

	TextBody string
	HTMLBody string

	// Root is the parsed MIME tree; nil when the provider only exposes
	// structured content.
	Root *mime.Part

	// Raw is the RFC 5322 source when available.
	Raw []byte
}

// Attachment is a harvested binary part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Content     []byte
}

// Window bounds a FetchSince query.
type Window struct {
	// Since is the inclusive lower bound; zero means no bound.
	Since time.Time

	// Initial marks the first sync of an account. Providers that filter
	// dates client-side must not drop messages on date grounds then.
	Initial bool
}

// PageFunc receives one page of message references. Returning an error
// stops pagination and is returned to the caller.
type PageFunc func(refs []MessageRef) error

// Provider is the uniform capability surface over a mailbox transport.
// Implementations check ctx between pages and honor its deadline on
// every remote call.
type Provider interface {
	Kind() model.AccountKind

	// Connect authenticates and prepares the transport.
	Connect(ctx context.Context) error

	// Reconnect drops any session state and connects again.
	Reconnect(ctx context.Context) error

	Close() error

	ListFolders(ctx context.Context) ([]Folder, error)

	// FetchSince pages through messages at or after the window bound.
	FetchSince(ctx context.Context, folder Folder, w Window, fn PageFunc) error

	// FetchBefore pages through messages strictly older than cutoff.
	FetchBefore(ctx context.Context, folder Folder, cutoff time.Time, fn PageFunc) error

	FetchFull(ctx context.Context, ref MessageRef) (*Message, error)

	ListAttachments(ctx context.Context, msg *Message) ([]Attachment, error)

	// AppendMessage uploads msg.Raw into the named folder.
	AppendMessage(ctx context.Context, folder string, msg *Message) error

	FlagForDeletion(ctx context.Context, folder Folder, refs []MessageRef) error
}
