// Package sanitize bounds the size of indexed message content without
// breaking characters, words or markup.
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextNotice is appended to plain text that had to be shortened.
const TextNotice = "\n\n[Content truncated for indexing. The full original is preserved separately.]"

// boundaryWindow limits how far back Sanitize looks for a sentence or
// word break before settling for a character boundary.
const boundaryWindow = 512

// Sanitize returns text unchanged when it fits in maxBytes. Otherwise it
// cuts at the last sentence or word boundary that leaves room for
// TextNotice, appends the notice and reports truncation. The result is
// never longer than maxBytes, so sanitizing it again is a no-op.
func Sanitize(text string, maxBytes int) (string, bool) {
	if len(text) <= maxBytes {
		return text, false
	}
	if maxBytes <= 0 {
		return "", true
	}

	budget := maxBytes - len(TextNotice)
	if budget <= 0 {
		return Clip(text, maxBytes), true
	}

	cut := runeBoundary(text, budget)
	cut = textBoundary(text, cut)

	return strings.TrimRight(text[:cut], " \t\r\n") + TextNotice, true
}

// Clip shortens s to at most maxBytes without splitting a character.
func Clip(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= 0 {
		return ""
	}
	return s[:runeBoundary(s, maxBytes)]
}

// runeBoundary moves cut back until s[:cut] ends on a full rune.
func runeBoundary(s string, cut int) int {
	if cut >= len(s) {
		return len(s)
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}

// textBoundary moves cut back to the end of the last sentence, or else
// the last word, found within boundaryWindow bytes.
func textBoundary(s string, cut int) int {
	floor := cut - boundaryWindow
	if floor < cut/2 {
		floor = cut / 2
	}
	window := s[floor:cut]

	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "\n\n"} {
		if i := strings.LastIndex(window, sep); i >= 0 && i+1 > best {
			best = i + 1
		}
	}
	if best > 0 {
		return floor + best
	}

	if i := strings.LastIndexAny(window, " \t\r\n"); i > 0 {
		return floor + i
	}
	return cut
}

var (
	strictPolicy = bluemonday.StrictPolicy()
	blankRuns    = regexp.MustCompile(`[ \t\r\f\v\x{00A0}]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML body as searchable plain text. Block-level
// breaks are kept as newlines; scripts and styles are dropped.
func HTMLToText(body string) string {
	if body == "" {
		return ""
	}

	r := strings.NewReplacer(
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"</p>", "</p>\n", "</div>", "</div>\n", "</tr>", "</tr>\n",
		"</li>", "</li>\n", "</h1>", "</h1>\n", "</h2>", "</h2>\n",
		"</h3>", "</h3>\n",
	)
	text := html.UnescapeString(strictPolicy.Sanitize(r.Replace(body)))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blankRuns.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
