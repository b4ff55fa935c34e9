package bank

import (
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
)

// DetectedBankInfo is a snapshot of both banks. Unknown values are nil.
type DetectedBankInfo struct {
	OurBank          Bank    `json:"our_bank"`
	DesiredBank      *Bank   `json:"desired_bank"`
	OurVersion       *string `json:"our_version"`
	OurExtractTime   *string `json:"our_extract_time"`
	OtherVersion     *string `json:"other_version"`
	OtherExtractTime *string `json:"other_extract_time"`
}

// DesiredBankReader reads the bank the boot-loader will try next.
type DesiredBankReader interface {
	DesiredBank() (Bank, error)
}

// Snapshot mounts the other bank, reads the marker files of both banks and releases the mount.
func (m *Manager) Snapshot(env DesiredBankReader) (*DetectedBankInfo, error) {
	var info *DetectedBankInfo
	err := m.WithOtherBank(func(g *MountGuard) error {
		info = m.SnapshotFrom(g, env)
		return nil
	})
	return info, err
}

// SnapshotFrom builds a snapshot while the other bank is held by g. g is not released.
func (m *Manager) SnapshotFrom(g *MountGuard, env DesiredBankReader) *DetectedBankInfo {
	var missing *multierror.Error
	read := func(root, name string) *string {
		v, err := internalUtils.ReadMarker(m.FS, filepath.Join(root, name))
		if err != nil {
			missing = multierror.Append(missing, err)
		}
		return v
	}

	info := &DetectedBankInfo{
		OurBank:          g.Bank().Other(),
		OurVersion:       read(m.ActiveRoot, constants.VersionFilename),
		OurExtractTime:   read(m.ActiveRoot, constants.ExtractedAtFilename),
		OtherVersion:     read(g.Path(), constants.VersionFilename),
		OtherExtractTime: read(g.Path(), constants.ExtractedAtFilename),
	}
	if missing != nil {
		internalUtils.Log.Debug().Err(missing.ErrorOrNil()).Msg("Marker files not readable")
	}
	info.DesiredBank = ReadDesired(env)
	return info
}

// ReadDesired returns the desired bank, nil if the boot-loader cannot tell.
func ReadDesired(env DesiredBankReader) *Bank {
	if env == nil {
		return nil
	}
	b, err := env.DesiredBank()
	if err != nil {
		internalUtils.Log.Warn().Err(err).Msg("Failed to read desired bank from boot-loader env")
		return nil
	}
	return &b
}
