package bank

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
)

// MountGuard owns the mount of the other bank. Release unmounts it exactly once, callers
// are expected to `defer guard.Release()` right after a successful MountOtherBank.
type MountGuard struct {
	bank    Bank
	path    string
	unmount func() error

	once sync.Once
	err  error
}

// NewMountGuard wraps an existing mount of b on path, unmount is called once on Release.
func NewMountGuard(b Bank, path string, unmount func() error) *MountGuard {
	return &MountGuard{bank: b, path: path, unmount: unmount}
}

// Bank is the bank that is mounted.
func (g *MountGuard) Bank() Bank {
	return g.bank
}

// Path is the mountpoint, the root of the mounted bank.
func (g *MountGuard) Path() string {
	return g.path
}

// Release issues a detached unmount. Calling it again returns the first result.
func (g *MountGuard) Release() error {
	g.once.Do(func() {
		internalUtils.Log.Debug().Str("bank", g.bank.String()).Str("where", g.path).Msg("Unmounting other bank")
		g.err = g.unmount()
		if g.err != nil {
			internalUtils.Log.Err(g.err).Str("where", g.path).Msg("Error unmounting")
		}
	})
	return g.err
}

// WithOtherBank mounts the other bank, runs fn and always releases the mount afterwards,
// also when fn fails or panics. Errors of fn and of the unmount are combined.
func (m *Manager) WithOtherBank(fn func(g *MountGuard) error) (err error) {
	g, err := m.MountOtherBank()
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := g.Release(); releaseErr != nil {
			err = multierror.Append(err, releaseErr).ErrorOrNil()
		}
	}()
	return fn(g)
}
