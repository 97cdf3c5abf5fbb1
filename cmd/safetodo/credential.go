package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const (
	keyringService = "safetodo"
	tokenKey       = "api-token"
)

// openKeyring returns the OS keyring, falling back to an encrypted file
// under the config directory when no system backend is available.
func openKeyring() (keyring.Keyring, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("safetodo-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// loadToken returns the stored API token. SAFETODO_TOKEN takes precedence
// so scripts can run without a keyring. A missing token is not an error.
func loadToken() (string, error) {
	if token := os.Getenv("SAFETODO_TOKEN"); token != "" {
		return token, nil
	}
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(tokenKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("getting credential %q: %w", tokenKey, err)
	}
	return string(item.Data), nil
}

func storeToken(token string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{
		Key:         tokenKey,
		Data:        []byte(token),
		Label:       "SafeTodo API token",
		Description: "Token used by the safetodo CLI",
	}); err != nil {
		return fmt.Errorf("setting credential %q: %w", tokenKey, err)
	}
	return nil
}

func deleteToken() error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(tokenKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", tokenKey, err)
	}
	return nil
}
