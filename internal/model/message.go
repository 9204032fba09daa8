package model

import "time"

// Direction tells whether a message was received or sent by the account.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ArchivedMessage is a message persisted in the archive. It is created
// once per (account, dedup key) and never modified afterwards.
type ArchivedMessage struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`

	// DedupKey is the provider message identifier, or a content hash
	// prefixed with "hash:" when the identifier is missing.
	DedupKey  string `json:"dedup_key"`
	MessageID string `json:"message_id"`

	// Fingerprint hashes the normalized from/to/subject triple and backs
	// the near-duplicate lookup.
	Fingerprint string `json:"-"`

	Subject string   `json:"subject"`
	From    []string `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`

	SentAt     time.Time `json:"sent_at"`
	ReceivedAt time.Time `json:"received_at"`
	Direction  Direction `json:"direction"`
	Folder     string    `json:"folder"`

	// Body and HTMLBody are the size-bounded searchable copies.
	Body     string `json:"body"`
	HTMLBody string `json:"html_body"`

	// BodyOriginal and HTMLOriginal hold the untruncated content and
	// are only set when the searchable copy was truncated.
	BodyOriginal string `json:"body_original,omitempty"`
	HTMLOriginal string `json:"html_original,omitempty"`
	Truncated    bool   `json:"truncated"`

	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archived_at"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// FullBody returns the untruncated plain-text body.
func (m ArchivedMessage) FullBody() string {
	if m.BodyOriginal != "" {
		return m.BodyOriginal
	}
	return m.Body
}

// FullHTML returns the untruncated HTML body.
func (m ArchivedMessage) FullHTML() string {
	if m.HTMLOriginal != "" {
		return m.HTMLOriginal
	}
	return m.HTMLBody
}

// Attachment is a binary part harvested from an archived message.
type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`

	// ContentID links inline images to cid: references in the HTML body.
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline"`
	Size      int64  `json:"size"`
	Content   []byte `json:"-"`
}
