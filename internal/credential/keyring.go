// Package credential resolves mailbox secrets without persisting them.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailarchiver"

// backendEnv pins the keyring backend, e.g. "file" on headless servers
// that have no secret service.
const backendEnv = "MAILARCHIVER_KEYRING_BACKEND"

// ErrEmptyRef is returned when a secret is required but none is configured.
var ErrEmptyRef = errors.New("no secret reference configured")

// openKeyring returns the keyring holding account secrets. Tests swap it.
var openKeyring = func() (keyring.Keyring, error) {
	cfg := keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends(os.Getenv(backendEnv)),
		FileDir:                  fileDir(),
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func backends(pinned string) []keyring.BackendType {
	if pinned != "" {
		return []keyring.BackendType{keyring.BackendType(strings.ToLower(pinned))}
	}
	return []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
}

func fileDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, serviceName, "credentials")
	}
	return "~/.config/" + serviceName + "/credentials"
}

// filePassword unlocks the file backend with MAILARCHIVER_KEYRING_PASSWORD
// when set.
func filePassword(prompt string) (string, error) {
	if pw := os.Getenv("MAILARCHIVER_KEYRING_PASSWORD"); pw != "" {
		return pw, nil
	}
	return keyring.FixedStringPrompt(serviceName + "-file-key")(prompt)
}

// Get returns the secret stored under key.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("secret %q is not in the keyring", key)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key, replacing any previous secret.
func Set(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	item := keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       serviceName + ": " + key,
		Description: "mailbox secret",
	}
	if err := ring.Set(item); err != nil {
		return fmt.Errorf("storing secret %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret stored under key.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("removing secret %q: %w", key, err)
	}
	return nil
}

// Resolve turns a secret reference into the secret itself.
//
//	keyring:<key>  looks the key up in the system keyring
//	env:<NAME>     reads an environment variable
//	anything else  is used literally
func Resolve(ref string) (string, error) {
	kind, rest, _ := strings.Cut(ref, ":")
	switch {
	case ref == "":
		return "", ErrEmptyRef
	case kind == "keyring":
		return Get(rest)
	case kind == "env":
		value, ok := os.LookupEnv(rest)
		if !ok || value == "" {
			return "", fmt.Errorf("environment variable %s is not set", rest)
		}
		return value, nil
	default:
		return ref, nil
	}
}
