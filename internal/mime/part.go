// Package mime models a parsed message as a tree of parts and harvests
// attachments and bodies from it.
package mime

import (
	"github.com/emersion/go-message"
)

// Kind tags the variant of a Part.
type Kind int

const (
	// KindLeaf is a single-body part.
	KindLeaf Kind = iota

	// KindMultipart is a container whose Children are its sub-parts.
	KindMultipart

	// KindEmbedded is a message/rfc822 part whose Embedded field holds
	// the root of the enclosed message.
	KindEmbedded
)

func (k Kind) String() string {
	switch k {
	case KindMultipart:
		return "multipart"
	case KindEmbedded:
		return "embedded"
	default:
		return "leaf"
	}
}

// Part is one node of a message tree.
type Part struct {
	Kind   Kind
	Header message.Header

	// ContentType is the lower-cased media type, e.g. "image/png".
	ContentType string
	Params      map[string]string

	// Disposition is the lower-cased Content-Disposition value or "".
	Disposition string
	Filename    string

	// ContentID has its angle brackets removed.
	ContentID string

	// Body holds the decoded content of a leaf, or the raw bytes of an
	// embedded message.
	Body []byte

	Children []*Part
	Embedded *Part
}

// IsText reports whether the part is text/plain or text/html.
func (p *Part) IsText() bool {
	return p.ContentType == "text/plain" || p.ContentType == "text/html"
}

// Walk visits p and every descendant depth-first, entering embedded
// messages. Returning false from fn prunes the subtree below a node.
func (p *Part) Walk(fn func(*Part) bool) {
	if p == nil {
		return
	}
	stack := []*Part{p}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			continue
		}
		switch n.Kind {
		case KindMultipart:
			for i := len(n.Children) - 1; i >= 0; i-- {
				stack = append(stack, n.Children[i])
			}
		case KindEmbedded:
			if n.Embedded != nil {
				stack = append(stack, n.Embedded)
			}
		}
	}
}
