package credentials

import (
	"context"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces every credential this process stores in the OS
// keyring, so goclaw's entries don't collide with another app's.
const keyringService = "goclaw-agentcore"

// KeyringStore persists credentials in the platform-native credential
// manager (macOS Keychain, Windows Credential Manager, Secret Service on
// Linux) via zalando/go-keyring. Falls back to FileStore when no keyring
// backend is available on the host (e.g. headless Linux with no D-Bus
// Secret Service) rather than failing every call.
type KeyringStore struct {
	fallback *FileStore
}

// NewKeyringStore builds a KeyringStore that falls back to fallbackPath when
// the OS keyring is unavailable.
func NewKeyringStore(fallbackPath string) *KeyringStore {
	return &KeyringStore{fallback: NewFileStore(fallbackPath)}
}

// Save stores value under key, preferring the OS keyring.
func (k *KeyringStore) Save(ctx context.Context, key, value string) error {
	if err := keyring.Set(keyringService, key, value); err != nil {
		return k.fallback.Save(ctx, key, value)
	}
	return nil
}

// Load reads the value stored under key, preferring the OS keyring.
func (k *KeyringStore) Load(ctx context.Context, key string) (string, error) {
	v, err := keyring.Get(keyringService, key)
	if err == nil {
		return v, nil
	}
	return k.fallback.Load(ctx, key)
}

// Delete removes key from wherever it is stored.
func (k *KeyringStore) Delete(ctx context.Context, key string) error {
	_ = keyring.Delete(keyringService, key)
	return k.fallback.Delete(ctx, key)
}
