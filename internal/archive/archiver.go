// Package archive turns a downloaded message into an archived record:
// it resolves the dedup identity, bounds the indexed content and
// persists the record with its attachments.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/dedup"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
	"github.com/nhle/mail-archiver/internal/sanitize"
)

// maxSubjectBytes caps the subject, which is indexed but never
// preserved separately.
const maxSubjectBytes = 998

// Writer persists archived messages.
type Writer interface {
	InsertMessage(ctx context.Context, msg *model.ArchivedMessage) (created bool, err error)
}

// Request is one message to archive.
type Request struct {
	AccountID   string
	Folder      string
	Direction   model.Direction
	Message     *provider.Message
	Attachments []provider.Attachment
}

// Outcome reports what Archive did.
type Outcome struct {
	// ID is the archived row id; empty for duplicates.
	ID        string
	Duplicate bool
	Reason    dedup.Reason
	Truncated bool
}

// Archiver is shared by sync and import so both apply the same
// identity, size and attachment rules.
type Archiver struct {
	index         *dedup.Index
	store         Writer
	maxIndexBytes int
	log           zerolog.Logger
}

// New returns an Archiver writing to store.
func New(index *dedup.Index, store Writer, maxIndexBytes int, log zerolog.Logger) *Archiver {
	return &Archiver{
		index:         index,
		store:         store,
		maxIndexBytes: maxIndexBytes,
		log:           log,
	}
}

// Index returns the dedup index the archiver consults.
func (a *Archiver) Index() *dedup.Index {
	return a.index
}

// Archive stores req.Message unless it is already archived for the
// account. Resolution and insert happen under the account lock.
func (a *Archiver) Archive(ctx context.Context, req Request) (Outcome, error) {
	if req.Message == nil {
		return Outcome{}, fmt.Errorf("archive: nil message")
	}
	id := dedup.OfMessage(req.Message)

	unlock := a.index.Lock(req.AccountID)
	defer unlock()

	res, err := a.index.Resolve(ctx, req.AccountID, id)
	if err != nil {
		return Outcome{}, err
	}
	if res.Duplicate {
		return Outcome{Duplicate: true, Reason: res.Reason}, nil
	}

	rec := a.Build(req, id)
	created, err := a.store.InsertMessage(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("storing message %s: %w", id.Key, err)
	}
	if !created {
		return Outcome{Duplicate: true, Reason: dedup.ReasonKey}, nil
	}

	if rec.Truncated {
		a.log.Debug().
			Str("account", req.AccountID).
			Str("dedup_key", id.Key).
			Msg("Indexed content truncated, original preserved")
	}
	return Outcome{ID: rec.ID, Truncated: rec.Truncated}, nil
}

// Build assembles the archived record for req without storing it.
func (a *Archiver) Build(req Request, id dedup.Identity) *model.ArchivedMessage {
	msg := req.Message

	text := msg.TextBody
	if strings.TrimSpace(text) == "" && msg.HTMLBody != "" {
		text = sanitize.HTMLToText(msg.HTMLBody)
	}

	subject := sanitize.Clip(msg.Subject, maxSubjectBytes)
	reserved := len(subject) + addrBytes(msg.From, msg.To, msg.Cc, msg.Bcc)
	bounded := sanitize.Bound(sanitize.Content{Text: text, HTML: msg.HTMLBody}, reserved, a.maxIndexBytes)

	size := msg.Ref.Size
	if len(msg.Raw) > 0 {
		size = int64(len(msg.Raw))
	}

	rec := &model.ArchivedMessage{
		AccountID:    req.AccountID,
		DedupKey:     id.Key,
		MessageID:    id.MessageID,
		Fingerprint:  id.Fingerprint,
		Subject:      subject,
		From:         msg.From,
		To:           msg.To,
		Cc:           msg.Cc,
		Bcc:          msg.Bcc,
		SentAt:       id.Date,
		ReceivedAt:   msg.ReceivedAt.UTC(),
		Direction:    req.Direction,
		Folder:       req.Folder,
		Body:         bounded.Text,
		HTMLBody:     bounded.HTML,
		BodyOriginal: bounded.TextOriginal,
		HTMLOriginal: bounded.HTMLOriginal,
		Truncated:    bounded.Truncated(),
		Size:         size,
	}
	if rec.Direction == "" {
		rec.Direction = model.DirectionIncoming
	}

	for _, att := range req.Attachments {
		rec.Attachments = append(rec.Attachments, model.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			ContentID:   att.ContentID,
			Inline:      att.Inline,
			Size:        int64(len(att.Content)),
			Content:     att.Content,
		})
	}
	return rec
}

func addrBytes(lists ...[]string) int {
	n := 0
	for _, l := range lists {
		for _, a := range l {
			n += len(a) + 1
		}
	}
	return n
}
