// Package workspace pairs an unlocked vault with its datasource and implements
// drift detection, merge and save.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/vault"
)

// Workspace holds the live vault of an unlocked source. It keeps the derived
// vault key, never the master password.
type Workspace struct {
	ds  datasource.Datasource
	key *vault.Key

	mu sync.RWMutex
	v  *vault.Vault
}

// New wraps an opened vault.
func New(ds datasource.Datasource, v *vault.Vault, key *vault.Key) *Workspace {
	return &Workspace{ds: ds, key: key, v: v}
}

// Vault returns the current vault. Merges replace it.
func (w *Workspace) Vault() *vault.Vault {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.v
}

func (w *Workspace) remote(ctx context.Context) (*vault.Vault, error) {
	data, err := w.ds.Load(ctx)
	if err != nil {
		return nil, err
	}
	return w.key.Decrypt(data)
}

// LocalDiffersFromRemote fetches remote content and compares histories.
// A missing remote counts as different.
func (w *Workspace) LocalDiffersFromRemote(ctx context.Context) (bool, error) {
	rv, err := w.remote(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch remote: %w", err)
	}
	return !vault.SameHistory(w.Vault(), rv), nil
}

// MergeFromRemote folds remote changes into the local vault.
// A missing remote leaves the local vault as is.
func (w *Workspace) MergeFromRemote(ctx context.Context) error {
	rv, err := w.remote(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch remote: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	merged, err := vault.Merge(w.v, rv)
	if err != nil {
		return err
	}
	w.v = merged
	return nil
}

// Save encrypts the local vault and writes it to the datasource.
func (w *Workspace) Save(ctx context.Context) error {
	data, err := vault.Encrypt(w.Vault(), w.key)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := w.ds.Save(ctx, data); err != nil {
		return fmt.Errorf("write remote: %w", err)
	}
	return nil
}
