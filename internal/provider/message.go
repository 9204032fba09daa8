package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mail-archiver/internal/mime"
)

// ParseMessage builds a Message from RFC 5322 source.
func ParseMessage(raw []byte) (*Message, error) {
	root, err := mime.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	h := mail.Header{Header: root.Header}
	msg := &Message{
		Root: root,
		Raw:  raw,
	}

	msg.MessageID, _ = h.MessageID()
	if msg.MessageID == "" {
		msg.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.SentAt = date.UTC()
	}

	msg.From = addressList(h, "From")
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")
	msg.Bcc = addressList(h, "Bcc")

	msg.TextBody, msg.HTMLBody = mime.Bodies(root)

	msg.Ref = MessageRef{
		MessageID: msg.MessageID,
		Subject:   msg.Subject,
		From:      msg.From,
		To:        msg.To,
		Date:      msg.SentAt,
		Size:      int64(len(raw)),
	}

	return msg, nil
}

// addressList returns the bare addresses of a header, falling back to
// the raw comma-separated value when it does not parse.
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			if a.Address != "" {
				out = append(out, a.Address)
			}
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(h.Get(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AttachmentsFromParts converts harvested MIME parts.
func AttachmentsFromParts(parts []*mime.Part) []Attachment {
	out := make([]Attachment, 0, len(parts))
	for _, p := range parts {
		out = append(out, Attachment{
			Filename:    p.Filename,
			ContentType: p.ContentType,
			ContentID:   p.ContentID,
			Inline:      p.Disposition == "inline" || (p.Disposition == "" && p.ContentID != ""),
			Content:     p.Body,
		})
	}
	return out
}

// EffectiveDate is the timestamp used for windows and dedup: the sent
// date, or the received date when the message carries none.
func (m *Message) EffectiveDate() time.Time {
	if !m.SentAt.IsZero() {
		return m.SentAt
	}
	return m.ReceivedAt
}
