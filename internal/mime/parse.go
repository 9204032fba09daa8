package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxDepth bounds recursion into nested multiparts and embedded messages.
const maxDepth = 32

// Parse reads an RFC 5322 message into a Part tree. Unknown charsets and
// transfer encodings are tolerated: the affected parts keep their raw
// bytes.
func Parse(r io.Reader) (*Part, error) {
	e, err := message.Read(r)
	if err != nil && !isLenient(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return parseEntity(e, 0)
}

// ParseBytes is Parse over an in-memory message.
func ParseBytes(raw []byte) (*Part, error) {
	return Parse(bytes.NewReader(raw))
}

func isLenient(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func parseEntity(e *message.Entity, depth int) (*Part, error) {
	p := &Part{Header: e.Header}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}
	p.ContentType = strings.ToLower(mediaType)
	p.Params = params

	if disp, _, err := e.Header.ContentDisposition(); err == nil {
		p.Disposition = strings.ToLower(disp)
	}
	ah := mail.AttachmentHeader{Header: e.Header}
	p.Filename, _ = ah.Filename()
	p.ContentID = strings.Trim(strings.TrimSpace(e.Header.Get("Content-Id")), "<>")

	if depth >= maxDepth {
		body, err := io.ReadAll(e.Body)
		if err != nil {
			return nil, fmt.Errorf("reading part body: %w", err)
		}
		p.Body = body
		return p, nil
	}

	if mr := e.MultipartReader(); mr != nil {
		p.Kind = KindMultipart
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && (child == nil || !isLenient(err)) {
				return nil, fmt.Errorf("reading multipart child: %w", err)
			}
			cp, err := parseEntity(child, depth+1)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, cp)
		}
		return p, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("reading part body: %w", err)
	}
	p.Body = body

	if p.ContentType == "message/rfc822" || p.ContentType == "message/global" {
		inner, err := message.Read(bytes.NewReader(body))
		if err == nil || isLenient(err) {
			if embedded, err := parseEntity(inner, depth+1); err == nil {
				p.Kind = KindEmbedded
				p.Embedded = embedded
			}
		}
	}

	return p, nil
}
