// Package secrets loads and serves the tenancy runtime secrets, such as
// the credential encryption key, with support for hot reload.
package secrets

import (
	"fmt"
	"sync/atomic"
)

// Loader fetches the current secret set from its source (environment,
// file, remote vault).
type Loader func() (map[string]string, error)

// Vault serves an immutable snapshot of named secrets. Reload swaps the
// snapshot atomically, so readers never observe a partially loaded set.
type Vault struct {
	loader Loader
	snap   atomic.Pointer[map[string]string]
}

// NewVault loads the initial secret set. A failing loader fails
// construction rather than starting with an empty vault.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	v := &Vault{loader: loader}
	v.snap.Store(&vals)
	return v, nil
}

// Get returns the named secret, or "" when absent.
func (v *Vault) Get(key string) string {
	return (*v.snap.Load())[key]
}

// Reload fetches a fresh secret set and swaps it in. On failure the
// current snapshot stays in effect.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.snap.Store(&vals)
	return nil
}
