package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AccountKind identifies the transport used to reach a mailbox.
type AccountKind string

const (
	// AccountKindIMAP is a stateful stream-protocol mailbox.
	AccountKindIMAP AccountKind = "imap"

	// AccountKindGraph is a stateless paginated REST mailbox.
	AccountKindGraph AccountKind = "graph"
)

// TLS modes for stream-protocol accounts.
const (
	TLSImplicit = "tls"
	TLSStart    = "starttls"
	TLSNone     = "none"
)

// Account is a mailbox whose contents are archived.
type Account struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Kind     AccountKind `json:"kind"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	TLS      string      `json:"tls"`
	Username string      `json:"username"`

	// SecretRef is resolved through the credential package at connect
	// time; secrets themselves are never persisted.
	SecretRef string `json:"secret_ref"`

	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Mailbox  string `json:"mailbox"`
	BaseURL  string `json:"base_url"`
	TokenURL string `json:"token_url"`

	Enabled         bool     `json:"enabled"`
	ExcludedFolders []string `json:"excluded_folders"`
	RetentionDays   int      `json:"retention_days"`

	// Checkpoint marks "fully synchronized up to". Nil means the
	// account has never completed a clean pass.
	Checkpoint *time.Time `json:"checkpoint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountFromConfig converts a configuration entry into an Account.
func AccountFromConfig(c AccountConfig) Account {
	tls := c.TLS
	if tls == "" {
		tls = TLSImplicit
	}
	port := c.Port
	if port == 0 && AccountKind(c.Kind) == AccountKindIMAP {
		port = 993
		if tls != TLSImplicit {
			port = 143
		}
	}
	return Account{
		ID:              c.ID,
		Name:            c.Name,
		Email:           c.Email,
		Kind:            AccountKind(c.Kind),
		Host:            c.Host,
		Port:            port,
		TLS:             tls,
		Username:        c.Username,
		SecretRef:       c.SecretRef,
		TenantID:        c.TenantID,
		ClientID:        c.ClientID,
		Mailbox:         c.Mailbox,
		BaseURL:         c.BaseURL,
		TokenURL:        c.TokenURL,
		Enabled:         c.Enabled,
		ExcludedFolders: c.ExcludedFolders,
		RetentionDays:   c.RetentionDays,
	}
}

// IsExcluded reports whether folder is on the account's exclusion list.
// Matching ignores case and a trailing hierarchy delimiter.
func (a Account) IsExcluded(folder string) bool {
	name := normalizeFolder(folder)
	for _, ex := range a.ExcludedFolders {
		if normalizeFolder(ex) == name {
			return true
		}
	}
	return false
}

func normalizeFolder(name string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(name), "/."))
}

// ConnectionFingerprint hashes the fields whose change invalidates the
// checkpoint. Editing any of them forces a full resynchronization.
func (a Account) ConnectionFingerprint() string {
	excluded := make([]string, len(a.ExcludedFolders))
	for i, f := range a.ExcludedFolders {
		excluded[i] = normalizeFolder(f)
	}
	sort.Strings(excluded)

	h := sha256.New()
	for _, part := range []string{
		string(a.Kind), a.Host, strconv.Itoa(a.Port), a.TLS, a.Username,
		a.TenantID, a.ClientID, a.Mailbox, a.BaseURL,
		strings.Join(excluded, "\x1f"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
