package sanitize

import (
	"strings"

	xhtml "golang.org/x/net/html"
)

// HTMLNotice is inserted at the end of the body of shortened HTML.
const HTMLNotice = `<div class="archive-notice"><p><em>Content truncated for indexing. ` +
	`The full original is preserved separately.</em></p></div>`

const emptyDocument = "<html><body></body></html>"

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

var rawTextElements = map[string]bool{
	"script": true, "style": true, "title": true, "textarea": true,
	"xmp": true, "iframe": true, "noembed": true, "noframes": true,
	"noscript": true, "plaintext": true,
}

// SanitizeHTML returns doc unchanged when it fits in maxBytes. Otherwise
// it keeps whole tokens from the start of the document while they fit,
// closes every element still open, synthesizes missing html/body
// wrappers and adds HTMLNotice inside the body. The result never
// exceeds maxBytes.
func SanitizeHTML(doc string, maxBytes int) (string, bool) {
	if len(doc) <= maxBytes {
		return doc, false
	}

	var (
		kept     strings.Builder
		st       htmlState
		prolog   int
		inProlog = true
	)

	z := xhtml.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			break
		}

		raw := string(z.Raw())
		next := st
		switch tt {
		case xhtml.StartTagToken, xhtml.EndTagToken, xhtml.SelfClosingTagToken:
			name, _ := z.TagName()
			next = st.with(tt, string(name))
		}

		if next.size(kept.Len()+len(raw)) <= maxBytes {
			kept.WriteString(raw)
			st = next
			if inProlog {
				if tt == xhtml.DoctypeToken || tt == xhtml.CommentToken ||
					(tt == xhtml.TextToken && strings.TrimSpace(raw) == "") {
					prolog = kept.Len()
				} else {
					inProlog = false
				}
			}
			continue
		}

		if tt == xhtml.TextToken && !st.inRawText() {
			if room := maxBytes - st.size(kept.Len()); room > 0 {
				kept.WriteString(cutText(raw, room))
			}
		}
		break
	}

	body := kept.String()
	out := body[:prolog] + st.head() + body[prolog:] + st.tail()
	if len(out) > maxBytes {
		if len(emptyDocument) <= maxBytes {
			return emptyDocument, true
		}
		return "", true
	}
	return out, true
}

// htmlState tracks the open-element stack of the kept prefix.
type htmlState struct {
	stack   []string
	sawHTML bool
	sawBody bool
}

func (s htmlState) with(tt xhtml.TokenType, name string) htmlState {
	next := htmlState{sawHTML: s.sawHTML, sawBody: s.sawBody}

	switch tt {
	case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
		switch name {
		case "html":
			next.sawHTML = true
		case "body":
			next.sawBody = true
		}
		next.stack = s.stack
		if tt == xhtml.StartTagToken && !voidElements[name] {
			next.stack = append(append([]string(nil), s.stack...), name)
		}
	case xhtml.EndTagToken:
		next.stack = s.stack
		for i := len(s.stack) - 1; i >= 0; i-- {
			if s.stack[i] == name {
				next.stack = append([]string(nil), s.stack[:i]...)
				break
			}
		}
	}

	return next
}

func (s htmlState) open(name string) bool {
	for _, n := range s.stack {
		if n == name {
			return true
		}
	}
	return false
}

func (s htmlState) inRawText() bool {
	return len(s.stack) > 0 && rawTextElements[s.stack[len(s.stack)-1]]
}

// head is the wrapper prefix needed when the kept prefix never opened
// the root element.
func (s htmlState) head() string {
	if s.sawHTML {
		return ""
	}
	if s.sawBody {
		return "<html>"
	}
	return "<html><body>"
}

// tail closes every open element, places the notice inside the body and
// closes the wrappers.
func (s htmlState) tail() string {
	var b strings.Builder
	for i := len(s.stack) - 1; i >= 0; i-- {
		if n := s.stack[i]; n != "body" && n != "html" {
			b.WriteString("</" + n + ">")
		}
	}

	bodyOpen := s.open("body") || !s.sawBody
	if bodyOpen {
		if !s.sawBody && s.sawHTML {
			b.WriteString("<body>")
		}
		b.WriteString(HTMLNotice)
		b.WriteString("</body>")
	} else {
		b.WriteString(HTMLNotice)
	}

	if s.open("html") || !s.sawHTML {
		b.WriteString("</html>")
	}
	return b.String()
}

// size is the final document length if n bytes of tokens are kept.
func (s htmlState) size(n int) int {
	return n + len(s.head()) + len(s.tail())
}

// cutText shortens a raw text token to at most room bytes, preferring a
// whitespace break and never ending inside a character reference.
func cutText(raw string, room int) string {
	if room >= len(raw) {
		return raw
	}
	cut := runeBoundary(raw, room)
	if i := strings.LastIndexAny(raw[:cut], " \t\r\n"); i > 0 {
		cut = i
	}
	t := raw[:cut]
	if i := strings.LastIndexByte(t, '&'); i >= 0 && !strings.Contains(t[i:], ";") {
		t = t[:i]
	}
	return t
}
