package sync

import (
	"strings"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

// sentNames are localized display names of sent-items folders, lower
// case. Matching is done on the last path segment and on the full name.
var sentNames = map[string]bool{
	"sent":               true,
	"sent items":         true,
	"sent mail":          true,
	"sent messages":      true,
	"sent-mail":          true,
	"[gmail]/sent mail":  true,
	"gesendet":           true,
	"gesendete elemente": true,
	"gesendete objekte":  true,
	"envoyés":            true,
	"éléments envoyés":   true,
	"messages envoyés":   true,
	"enviados":           true,
	"elementos enviados": true,
	"itens enviados":     true,
	"posta inviata":      true,
	"inviati":            true,
	"posta in uscita":    true,
	"verzonden":          true,
	"verzonden items":    true,
	"skickat":            true,
	"skickade objekt":    true,
	"sendt":              true,
	"sendte elementer":   true,
	"lähetetyt":          true,
	"wysłane":            true,
	"elementy wysłane":   true,
	"odeslané":           true,
	"odeslaná pošta":     true,
	"отправленные":       true,
	"gönderilmiş öğeler": true,
	"gönderilenler":      true,
	"已发送":                true,
	"已傳送":                true,
	"送信済み":               true,
	"送信済みアイテム":           true,
	"보낸 편지함":             true,
}

// Classify returns the direction of messages found in folder. A folder
// the server marks as sent wins; otherwise the name table decides.
func Classify(folder provider.Folder) model.Direction {
	if folder.SentHint || IsSentName(folder.Name, folder.Delimiter) {
		return model.DirectionOutgoing
	}
	return model.DirectionIncoming
}

// IsSentName reports whether name looks like a sent-items folder.
func IsSentName(name, delimiter string) bool {
	full := strings.ToLower(strings.TrimSpace(name))
	if full == "" {
		return false
	}
	if sentNames[full] {
		return true
	}

	last := full
	if delimiter != "" {
		if i := strings.LastIndex(full, strings.ToLower(delimiter)); i >= 0 {
			last = full[i+len(delimiter):]
		}
	}
	last = strings.TrimSpace(strings.TrimPrefix(last, "inbox."))
	return sentNames[last]
}

// selectable filters out folders that are excluded or cannot hold messages.
func selectable(acct model.Account, folders []provider.Folder) (keep, skipped []provider.Folder) {
	for _, f := range folders {
		if !f.Selectable || acct.IsExcluded(f.Name) || acct.IsExcluded(f.ID) {
			skipped = append(skipped, f)
			continue
		}
		keep = append(keep, f)
	}
	return keep, skipped
}
