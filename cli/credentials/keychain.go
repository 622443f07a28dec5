// Package credentials keeps the privileged database password in the system keychain.
package credentials

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"

	"github.com/fluxbase-eu/pgtest/internal/config"
)

// ServiceName is the keychain service identifier
const ServiceName = "pgtest-cli"

// KeychainStore stores database passwords keyed by user@host:port
type KeychainStore struct {
	serviceName string
}

// NewKeychainStore creates a keychain store
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{serviceName: ServiceName}
}

// Account returns the keychain account of the privileged user of db
func Account(db config.DatabaseConfig) string {
	return fmt.Sprintf("%s@%s:%d", db.User, db.Host, db.Port)
}

// IsAvailable checks if a keychain is usable on this system
func (k *KeychainStore) IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	case "linux":
		// Linux needs a secret service such as gnome-keyring
		if err := keyring.Set(k.serviceName, "__probe__", "probe"); err != nil {
			return false
		}
		_ = keyring.Delete(k.serviceName, "__probe__")
		return true
	default:
		return false
	}
}

// Save stores the password of account
func (k *KeychainStore) Save(account, password string) error {
	if err := keyring.Set(k.serviceName, account, password); err != nil {
		return fmt.Errorf("failed to save to keychain: %w", err)
	}
	return nil
}

// Load returns the password of account; ok is false when none is stored
func (k *KeychainStore) Load(account string) (password string, ok bool, err error) {
	password, err = keyring.Get(k.serviceName, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load from keychain: %w", err)
	}
	return password, true, nil
}

// Delete removes the password of account; a missing entry is not an error
func (k *KeychainStore) Delete(account string) error {
	if err := keyring.Delete(k.serviceName, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}

// Apply replaces the configured password with the stored one. Explicit
// passwords from the environment always win.
func (k *KeychainStore) Apply(cfg *config.Config, explicit bool) (bool, error) {
	if explicit {
		return false, nil
	}
	password, ok, err := k.Load(Account(cfg.Database))
	if err != nil || !ok {
		return false, err
	}
	cfg.Database.Password = password
	return true, nil
}
