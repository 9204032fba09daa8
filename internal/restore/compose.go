package restore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mail-archiver/internal/model"
)

// Compose renders an archived message back into RFC 5322 source. The
// untruncated bodies are used when they were kept. Inline parts keep
// their Content-ID so cid: references in the HTML still resolve.
func Compose(m *model.ArchivedMessage) ([]byte, error) {
	var h mail.Header
	h.SetDate(composeDate(m))
	h.SetSubject(m.Subject)
	if m.MessageID != "" {
		h.SetMessageID(m.MessageID)
	}
	setAddresses(&h, "From", m.From)
	setAddresses(&h, "To", m.To)
	setAddresses(&h, "Cc", m.Cc)
	setAddresses(&h, "Bcc", m.Bcc)

	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	root, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var inline, attached []model.Attachment
	for _, a := range m.Attachments {
		if a.Inline {
			inline = append(inline, a)
		} else {
			attached = append(attached, a)
		}
	}

	// Inline parts share a multipart/related container with the bodies
	// that reference them.
	body := root
	if len(inline) > 0 {
		body, err = root.CreatePart(multipartHeader("multipart/related"))
		if err != nil {
			return nil, fmt.Errorf("creating related section: %w", err)
		}
	}

	if err := writeBodies(body, m.FullBody(), m.FullHTML()); err != nil {
		return nil, err
	}
	for _, a := range inline {
		if err := writeAttachment(body, a, "inline"); err != nil {
			return nil, fmt.Errorf("writing inline part %q: %w", a.Filename, err)
		}
	}
	if len(inline) > 0 {
		if err := body.Close(); err != nil {
			return nil, fmt.Errorf("closing related section: %w", err)
		}
	}

	for _, a := range attached {
		if err := writeAttachment(root, a, "attachment"); err != nil {
			return nil, fmt.Errorf("writing attachment %q: %w", a.Filename, err)
		}
	}

	if err := root.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func composeDate(m *model.ArchivedMessage) time.Time {
	switch {
	case !m.SentAt.IsZero():
		return m.SentAt
	case !m.ReceivedAt.IsZero():
		return m.ReceivedAt
	default:
		return m.ArchivedAt
	}
}

func setAddresses(h *mail.Header, key string, list []string) {
	if len(list) == 0 {
		return
	}
	addrs := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		a, err := mail.ParseAddress(raw)
		if err != nil {
			a = &mail.Address{Address: raw}
		}
		addrs = append(addrs, a)
	}
	h.SetAddressList(key, addrs)
}

func multipartHeader(contentType string) message.Header {
	var h message.Header
	h.SetContentType(contentType, nil)
	return h
}

func writeBodies(parent *message.Writer, text, html string) error {
	alt, err := parent.CreatePart(multipartHeader("multipart/alternative"))
	if err != nil {
		return fmt.Errorf("creating text section: %w", err)
	}

	if text != "" || html == "" {
		if err := writeText(alt, "text/plain", text); err != nil {
			return err
		}
	}
	if html != "" {
		if err := writeText(alt, "text/html", html); err != nil {
			return err
		}
	}
	return alt.Close()
}

func writeText(alt *message.Writer, contentType, body string) error {
	var th message.Header
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	th.SetContentDisposition("inline", nil)
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := alt.CreatePart(th)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func writeAttachment(parent *message.Writer, a model.Attachment, disposition string) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ah message.Header
	ah.Set("Content-Type", contentType)
	params := map[string]string{}
	if a.Filename != "" {
		params["filename"] = a.Filename
	}
	ah.SetContentDisposition(disposition, params)
	if a.ContentID != "" {
		ah.Set("Content-Id", "<"+a.ContentID+">")
	}
	ah.Set("Content-Transfer-Encoding", "base64")

	w, err := parent.CreatePart(ah)
	if err != nil {
		return err
	}
	if _, err := w.Write(a.Content); err != nil {
		return err
	}
	return w.Close()
}
