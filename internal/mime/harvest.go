package mime

import (
	stdmime "mime"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// genericNames matches filenames that mail clients generate for pasted
// or embedded images, such as "image001.png" or "ATT00001.jpg".
var genericNames = regexp.MustCompile(
	`(?i)^(image|img|att|unnamed|noname|untitled|inline|pasted[ _-]?image|screenshot)[-_ ]?\d*(\.[a-z0-9]+)?$`,
)

// Collect walks the tree under root and returns the leaf parts that
// should be stored as attachments, in document order. Parts without a
// filename get one synthesized that is unique within the message.
func Collect(root *Part) []*Part {
	var out []*Part
	collect(root, &out)

	used := make(map[string]bool, len(out))
	for _, p := range out {
		if p.Filename != "" {
			used[strings.ToLower(p.Filename)] = true
		}
	}
	for _, p := range out {
		if p.Filename == "" {
			p.Filename = synthesizeFilename(p, used)
		}
	}

	return out
}

func collect(p *Part, out *[]*Part) {
	if p == nil {
		return
	}
	switch p.Kind {
	case KindMultipart:
		for _, child := range p.Children {
			collect(child, out)
		}
	case KindEmbedded:
		collect(p.Embedded, out)
	default:
		if IsHarvestable(p) {
			*out = append(*out, p)
		}
	}
}

// IsHarvestable classifies a leaf part. A part qualifies when it is
// marked as an attachment, is disposed inline, carries a content-id,
// or is an image with no disposition or an auto-generated filename.
// Unnamed inline text bodies are message bodies, not attachments.
func IsHarvestable(p *Part) bool {
	if p == nil || p.Kind != KindLeaf {
		return false
	}

	major, _, _ := strings.Cut(p.ContentType, "/")

	switch {
	case p.Disposition == "attachment":
		return true
	case p.Disposition == "inline":
		return !(p.IsText() && p.Filename == "" && p.ContentID == "")
	case p.ContentID != "":
		return true
	case major == "image" && (p.Disposition == "" || genericNames.MatchString(p.Filename)):
		return true
	case (major == "text" || major == "application") && p.ContentID != "":
		return true
	}
	return false
}

// synthesizeFilename derives a name from the content-id or content-type
// plus a random suffix, retrying until it does not collide with used.
func synthesizeFilename(p *Part, used map[string]bool) string {
	base, ext := "", extensionFor(p.ContentType)

	if p.ContentID != "" {
		local, _, _ := strings.Cut(p.ContentID, "@")
		local = sanitizeName(local)
		if e := path.Ext(local); e != "" && len(e) <= 6 {
			ext = e
			local = strings.TrimSuffix(local, e)
		}
		base = local
	}
	if base == "" {
		major, minor, _ := strings.Cut(p.ContentType, "/")
		switch major {
		case "image":
			base = "image"
		case "":
			base = "attachment"
		default:
			base = sanitizeName(minor)
			if base == "" {
				base = "attachment"
			}
		}
	}

	for {
		name := base + "-" + uuid.New().String()[:8] + ext
		if !used[strings.ToLower(name)] {
			used[strings.ToLower(name)] = true
			return name
		}
	}
}

var commonExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"text/plain":      ".txt",
	"text/html":       ".html",
	"text/calendar":   ".ics",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"message/rfc822":  ".eml",
}

func extensionFor(contentType string) string {
	if ext, ok := commonExtensions[contentType]; ok {
		return ext
	}
	if exts, err := stdmime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), ".")
}

// Bodies returns the first plain-text and HTML bodies of the message,
// ignoring attachments and the contents of embedded messages.
func Bodies(root *Part) (text, html string) {
	root.Walk(func(p *Part) bool {
		if p.Kind == KindEmbedded {
			return false
		}
		if p.Kind != KindLeaf || p.Disposition == "attachment" || p.Filename != "" {
			return true
		}
		switch p.ContentType {
		case "text/plain":
			if text == "" {
				text = string(p.Body)
			}
		case "text/html":
			if html == "" {
				html = string(p.Body)
			}
		}
		return true
	})
	return text, html
}
