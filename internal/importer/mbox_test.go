package importer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMbox(t *testing.T) {
	stream := strings.Join([]string{
		"From a@example.com Mon Apr  1 09:00:00 2024",
		"Subject: one",
		"",
		"Hello",
		">From quoted",
		"",
		"From b@example.com Mon Apr  1 10:00:00 2024",
		"Subject: two",
		"",
		"body",
		"",
	}, "\n")

	var got []string
	err := splitMbox(strings.NewReader(stream), func(raw []byte) error {
		got = append(got, string(raw))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "Subject: one")
	assert.Contains(t, got[0], "\nFrom quoted")
	assert.NotContains(t, got[0], ">From")
	assert.Contains(t, got[1], "Subject: two")
}

func TestUnquoteFromOnlyTouchesLineStarts(t *testing.T) {
	in := []byte("a >From b\n>From c\n")
	assert.Equal(t, "a >From b\nFrom c\n", string(unquoteFrom(in)))
}
