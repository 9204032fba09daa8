package sanitize

// Content is the indexed text of one archived message.
type Content struct {
	Text string
	HTML string
}

// Result is Content after the aggregate ceiling was applied. The
// originals are only set for fields that were shortened.
type Result struct {
	Text          string
	HTML          string
	TextOriginal  string
	HTMLOriginal  string
	TextTruncated bool
	HTMLTruncated bool
}

// Truncated reports whether any field was shortened.
func (r Result) Truncated() bool {
	return r.TextTruncated || r.HTMLTruncated
}

// Bound fits the text and HTML bodies into maxBytes minus reserved,
// where reserved is the size of the other indexed fields (subject and
// addresses). When both bodies cannot fit, the smaller one is kept whole
// if possible and the larger one receives the remaining room.
func Bound(c Content, reserved, maxBytes int) Result {
	textMax, htmlMax := Split(maxBytes-reserved, len(c.Text), len(c.HTML))

	var r Result
	r.Text, r.TextTruncated = Sanitize(c.Text, textMax)
	r.HTML, r.HTMLTruncated = SanitizeHTML(c.HTML, htmlMax)
	if r.TextTruncated {
		r.TextOriginal = c.Text
	}
	if r.HTMLTruncated {
		r.HTMLOriginal = c.HTML
	}
	return r
}

// Split divides avail bytes between two fields of the given lengths.
func Split(avail, textLen, htmlLen int) (textMax, htmlMax int) {
	if avail <= 0 {
		return 0, 0
	}
	if textLen+htmlLen <= avail {
		return textLen, htmlLen
	}

	half := avail / 2
	switch {
	case textLen <= half:
		return textLen, avail - textLen
	case htmlLen <= avail-half:
		return avail - htmlLen, htmlLen
	default:
		return half, avail - half
	}
}
