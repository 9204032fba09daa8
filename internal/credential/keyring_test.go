package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	prev := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = prev })
}

func TestResolveKeyring(t *testing.T) {
	useArrayKeyring(t)

	require.NoError(t, Set("work", "s3cret"))
	got, err := Resolve("keyring:work")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, Delete("work"))
	_, err = Resolve("keyring:work")
	require.Error(t, err)
}

func TestResolveEnvAndLiteral(t *testing.T) {
	t.Setenv("MAILARCHIVER_TEST_SECRET", "from-env")

	got, err := Resolve("env:MAILARCHIVER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = Resolve("env:MAILARCHIVER_TEST_MISSING")
	require.Error(t, err)

	got, err = Resolve("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	_, err = Resolve("")
	require.ErrorIs(t, err, ErrEmptyRef)
}

func TestBackendsPinned(t *testing.T) {
	assert.Equal(t, []keyring.BackendType{keyring.FileBackend}, backends("File"))
	assert.Len(t, backends(""), 5)
}

func TestResolveLiteralWithColon(t *testing.T) {
	got, err := Resolve("pass:word")
	require.NoError(t, err)
	assert.Equal(t, "pass:word", got)
}
