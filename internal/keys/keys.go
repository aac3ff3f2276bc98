// Package keys manages the token signing key shared by vaultd and vaultctl.
// The key lives in the OS keyring of the current user.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeySize is the length of a generated signing key in bytes.
const KeySize = 32

// ErrNoKey is returned by Load when no key has been created yet.
var ErrNoKey = errors.New("signing key not found in keyring")

// Load reads an existing signing key.
func Load(service, user string) ([]byte, error) {
	enc, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) < KeySize {
		return nil, fmt.Errorf("signing key too short: %d bytes", len(key))
	}
	return key, nil
}

// LoadOrCreate returns the stored key, generating and storing one on first use.
func LoadOrCreate(service, user string) ([]byte, error) {
	key, err := Load(service, user)
	if !errors.Is(err, ErrNoKey) {
		return key, err
	}
	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := keyring.Set(service, user, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("keyring set: %w", err)
	}
	return key, nil
}

// Rotate replaces the stored key. Tokens signed with the old key stop verifying.
func Rotate(service, user string) ([]byte, error) {
	if err := keyring.Delete(service, user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring delete: %w", err)
	}
	return LoadOrCreate(service, user)
}
