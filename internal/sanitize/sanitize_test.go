package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentityUnderCeiling(t *testing.T) {
	for _, in := range []string{"", "short", strings.Repeat("ж", 100)} {
		out, truncated := Sanitize(in, 1000)
		assert.Equal(t, in, out)
		assert.False(t, truncated)
	}
}

func TestSanitizeCutsAtSentenceBoundary(t *testing.T) {
	in := strings.Repeat("The quick brown fox jumps. ", 100)
	out, truncated := Sanitize(in, 500)
	require.True(t, truncated)
	assert.LessOrEqual(t, len(out), 500)
	assert.True(t, strings.HasSuffix(out, TextNotice))

	kept := strings.TrimSuffix(out, TextNotice)
	assert.True(t, strings.HasSuffix(kept, "jumps."), kept)
}

func TestSanitizeNeverSplitsRunes(t *testing.T) {
	in := strings.Repeat("日本語", 400)
	for max := len(TextNotice) + 1; max < len(TextNotice)+40; max++ {
		out, truncated := Sanitize(in, max)
		require.True(t, truncated)
		assert.LessOrEqual(t, len(out), max)
		assert.True(t, utf8.ValidString(out))
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	in := strings.Repeat("lorem ipsum dolor sit amet ", 1000)
	once, _ := Sanitize(in, 2000)
	twice, truncated := Sanitize(once, 2000)
	assert.Equal(t, once, twice)
	assert.False(t, truncated)
}

func TestSanitizeTinyCeiling(t *testing.T) {
	out, truncated := Sanitize("ééééé", 3)
	assert.True(t, truncated)
	assert.Equal(t, "é", out)
}

func balanced(t *testing.T, doc string) {
	t.Helper()
	for _, tag := range []string{"html", "body"} {
		assert.Equal(t,
			strings.Count(doc, "<"+tag+">")+strings.Count(doc, "<"+tag+" "),
			strings.Count(doc, "</"+tag+">"),
			"unbalanced %s in %q", tag, doc)
	}
}

func TestSanitizeHTMLIdentityUnderCeiling(t *testing.T) {
	in := "<p>hello</p>"
	out, truncated := SanitizeHTML(in, 100)
	assert.Equal(t, in, out)
	assert.False(t, truncated)
}

func TestSanitizeHTMLClosesOpenElements(t *testing.T) {
	in := "<!DOCTYPE html><html><head><title>t</title></head><body><div><table><tr><td>" +
		strings.Repeat("cell content &amp; more ", 200) +
		"</td></tr></table></div></body></html>"

	out, truncated := SanitizeHTML(in, 1200)
	require.True(t, truncated)
	assert.LessOrEqual(t, len(out), 1200)
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html><html>"))
	assert.Contains(t, out, "</td></tr></table></div>"+HTMLNotice+"</body></html>")
	assert.NotContains(t, out, "&am<")
	balanced(t, out)

	again, truncated := SanitizeHTML(out, 1200)
	assert.False(t, truncated)
	assert.Equal(t, out, again)
}

func TestSanitizeHTMLSynthesizesWrappers(t *testing.T) {
	in := "<p>" + strings.Repeat("word ", 500) + "</p>"

	out, truncated := SanitizeHTML(in, 600)
	require.True(t, truncated)
	assert.LessOrEqual(t, len(out), 600)
	assert.True(t, strings.HasPrefix(out, "<html><body><p>"))
	assert.True(t, strings.HasSuffix(out, "</p>"+HTMLNotice+"</body></html>"))
	balanced(t, out)
}

func TestSanitizeHTMLTruncatedInsideHead(t *testing.T) {
	in := "<html><head><style>" + strings.Repeat("p{color:red}", 200) +
		"</style></head><body>hi</body></html>"

	out, truncated := SanitizeHTML(in, 400)
	require.True(t, truncated)
	assert.LessOrEqual(t, len(out), 400)
	assert.Contains(t, out, "</head><body>"+HTMLNotice+"</body></html>")
	balanced(t, out)
}

func TestSanitizeHTMLNeverBreaksTags(t *testing.T) {
	in := "<div>" + strings.Repeat(`<a href="https://example.com/some/long/path">link</a> `, 100) + "</div>"
	for _, max := range []int{300, 333, 401, 777} {
		out, truncated := SanitizeHTML(in, max)
		require.True(t, truncated)
		assert.LessOrEqual(t, len(out), max)
		assert.Equal(t, strings.Count(out, "<"), strings.Count(out, ">"), out)
		assert.Equal(t, strings.Count(out, "<a "), strings.Count(out, "</a>"), out)
		balanced(t, out)
	}
}

func TestSanitizeHTMLTinyCeiling(t *testing.T) {
	out, truncated := SanitizeHTML(strings.Repeat("<p>x</p>", 100), 40)
	assert.True(t, truncated)
	assert.Equal(t, emptyDocument, out)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		avail, text, html int
		wantT, wantH      int
	}{
		{100, 30, 40, 30, 40},
		{100, 10, 500, 10, 90},
		{100, 500, 20, 80, 20},
		{100, 500, 500, 50, 50},
		{0, 10, 10, 0, 0},
	}
	for _, tt := range tests {
		gotT, gotH := Split(tt.avail, tt.text, tt.html)
		assert.Equal(t, tt.wantT, gotT)
		assert.Equal(t, tt.wantH, gotH)
		assert.LessOrEqual(t, gotT+gotH, max(tt.avail, 0))
	}
}

func TestBoundKeepsOriginals(t *testing.T) {
	text := strings.Repeat("a sentence here. ", 500)
	html := "<p>short</p>"

	r := Bound(Content{Text: text, HTML: html}, 100, 2000)
	assert.True(t, r.TextTruncated)
	assert.False(t, r.HTMLTruncated)
	assert.Equal(t, text, r.TextOriginal)
	assert.Empty(t, r.HTMLOriginal)
	assert.LessOrEqual(t, len(r.Text)+len(r.HTML)+100, 2000)
	assert.True(t, r.Truncated())
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><style>p{}</style><script>alert(1)</script></head>` +
		`<body><p>Hello&nbsp;<b>world</b></p><p>Second   line</p></body></html>`
	got := HTMLToText(in)
	assert.Equal(t, "Hello world\nSecond line", got)
}
