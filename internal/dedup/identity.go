// Package dedup decides whether a remote message is already archived.
//
// A message is identified by its Message-ID when it has one, and by a
// hash of its envelope otherwise. Because some providers regenerate
// identifiers, a second heuristic test matches the envelope fingerprint
// within a small time tolerance.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mail-archiver/internal/provider"
)

// hashPrefix marks keys derived from the envelope rather than a
// provider identifier.
const hashPrefix = "hash:"

// Identity is everything the index needs to recognize a message.
type Identity struct {
	Key         string
	MessageID   string
	Fingerprint string
	Date        time.Time
}

// HasMessageID reports whether the key is a provider identifier.
func (id Identity) HasMessageID() bool {
	return id.MessageID != ""
}

// KeyFor derives the identity of a message from its envelope.
func KeyFor(messageID string, from, to []string, subject string, date time.Time) Identity {
	mid := normalizeMessageID(messageID)
	fp := fingerprint(from, to, subject)

	id := Identity{
		MessageID:   mid,
		Fingerprint: fp,
		Date:        date.UTC(),
	}
	if mid != "" {
		id.Key = mid
		return id
	}

	h := sha256.New()
	h.Write([]byte(fp))
	h.Write([]byte{0})
	if !date.IsZero() {
		h.Write([]byte(strconv.FormatInt(date.Unix(), 10)))
	}
	id.Key = hashPrefix + hex.EncodeToString(h.Sum(nil))
	return id
}

// OfMessage is the identity of a downloaded message.
func OfMessage(m *provider.Message) Identity {
	return KeyFor(m.MessageID, m.From, m.To, m.Subject, m.EffectiveDate())
}

// OfRef is the identity of a message known only by its envelope. For a
// message with the same headers it equals OfMessage.
func OfRef(r provider.MessageRef) Identity {
	return KeyFor(r.MessageID, r.From, r.To, r.Subject, r.Date)
}

func normalizeMessageID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
}

// fingerprint hashes the normalized from, to and subject. Addresses are
// compared case-insensitively and in any order.
func fingerprint(from, to []string, subject string) string {
	h := sha256.New()
	h.Write([]byte(normalizeAddrs(from)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeAddrs(to)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeSubject(subject)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeAddrs(list []string) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		a = strings.ToLower(strings.Trim(strings.TrimSpace(a), "<>"))
		if a != "" {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
