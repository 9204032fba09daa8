package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

func TestIsSentName(t *testing.T) {
	tests := []struct {
		name      string
		delimiter string
		want      bool
	}{
		{"Sent", "/", true},
		{"Sent Items", "/", true},
		{"INBOX.Sent Messages", ".", true},
		{"[Gmail]/Sent Mail", "/", true},
		{"Gesendete Elemente", "/", true},
		{"INBOX", "/", false},
		{"Sent/Archive 2020", "/", false},
		{"Resent", "/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSentName(tt.name, tt.delimiter))
		})
	}
}

func TestClassifyPrefersProviderHint(t *testing.T) {
	assert.Equal(t, model.DirectionOutgoing, Classify(provider.Folder{Name: "Outbox copies", SentHint: true}))
	assert.Equal(t, model.DirectionOutgoing, Classify(provider.Folder{Name: "Sent"}))
	assert.Equal(t, model.DirectionIncoming, Classify(provider.Folder{Name: "INBOX"}))
}

func TestSelectableFolders(t *testing.T) {
	acct := model.Account{ExcludedFolders: []string{"junk"}}
	folders := []provider.Folder{
		{ID: "INBOX", Name: "INBOX", Selectable: true},
		{ID: "Junk", Name: "Junk", Selectable: true},
		{ID: "[Gmail]", Name: "[Gmail]"},
		{ID: "AAMk", Name: "Archive", Selectable: true},
	}

	keep, skipped := selectable(acct, folders)
	assert.Equal(t, []string{"INBOX", "Archive"}, names(keep))
	assert.Equal(t, []string{"Junk", "[Gmail]"}, names(skipped))
}

func names(folders []provider.Folder) []string {
	out := make([]string, 0, len(folders))
	for _, f := range folders {
		out = append(out, f.Name)
	}
	return out
}
