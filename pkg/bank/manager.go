package bank

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deniswernert/go-fstab"
	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/pkg/op"
	"github.com/twpayne/go-vfs/v4"
)

// Manager operates on the two banks. It keeps no state about which bank is active, every
// call reads it again from the mount configuration.
type Manager struct {
	FS      vfs.FS
	Mounter op.Mounter
	Runner  internalUtils.Runner

	FstabFile  string // mount configuration of the running system
	Mountpoint string // where the other bank is mounted
	ActiveRoot string // root of the running bank, "/" outside of tests
}

func NewManager(fs vfs.FS, mounter op.Mounter, runner internalUtils.Runner, fstabFile, mountpoint string) *Manager {
	return &Manager{
		FS:         fs,
		Mounter:    mounter,
		Runner:     runner,
		FstabFile:  fstabFile,
		Mountpoint: mountpoint,
		ActiveRoot: "/",
	}
}

// DetectActiveBank finds the bank mounted as / with ext4 in the mount configuration.
func (m *Manager) DetectActiveBank() (Bank, error) {
	dat, err := m.FS.ReadFile(m.FstabFile)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %s", constants.ErrDetection, m.FstabFile, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(dat))
	for scanner.Scan() {
		entry, err := fstab.ParseLine(scanner.Text())
		if err != nil {
			internalUtils.Log.Debug().Err(err).Str("line", scanner.Text()).Msg("Skipping fstab line")
			continue
		}
		if entry == nil || entry.File != "/" || entry.VfsType != constants.RootFsType || !strings.HasPrefix(entry.Spec, bootDiskPrefix) {
			continue
		}
		part := strings.TrimPrefix(entry.Spec, bootDiskPrefix)
		n, err := strconv.Atoi(part)
		if err != nil {
			return "", fmt.Errorf("%w: partition num %q is invalid", constants.ErrDetection, part)
		}
		b, ok := fromPartition(n)
		if !ok {
			return "", fmt.Errorf("%w: partition num %d is invalid", constants.ErrDetection, n)
		}
		return b, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: %s", constants.ErrDetection, err)
	}
	return "", fmt.Errorf("%w: could not identify bank from %s", constants.ErrDetection, m.FstabFile)
}

// FormatOtherBank creates a fresh ext4 filesystem on the other bank. Destructive.
func (m *Manager) FormatOtherBank() (Bank, error) {
	active, err := m.DetectActiveBank()
	if err != nil {
		return "", err
	}
	other := active.Other()

	mounted, err := m.Mounter.DeviceMounted(other.Device())
	if err != nil {
		return other, fmt.Errorf("%w: checking %s: %s", constants.ErrFormat, other.Device(), err)
	}
	if mounted {
		return other, fmt.Errorf("%w: %s is mounted, refusing to format it", constants.ErrFormat, other.Device())
	}

	internalUtils.Log.Info().Str("device", other.Device()).Str("label", other.Label()).Msg("Formatting other bank as ext4")
	out, err := m.Runner.Run("mkfs.ext4", "-F", "-L", other.Label(), "-U", other.VolumeUUID().String(), other.Device())
	internalUtils.Log.Debug().Str("out", out).Msg("mkfs.ext4")
	if err != nil {
		return other, fmt.Errorf("%w: mkfs.ext4 %s: %s: %s", constants.ErrFormat, other.Device(), err, strings.TrimSpace(out))
	}
	return other, nil
}

// MountOtherBank mounts the other bank on the mountpoint and returns the guard owning it.
func (m *Manager) MountOtherBank() (*MountGuard, error) {
	active, err := m.DetectActiveBank()
	if err != nil {
		return nil, err
	}
	other := active.Other()

	if err := internalUtils.CreateIfNotExists(m.FS, m.Mountpoint); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %s", constants.ErrMount, m.Mountpoint, err)
	}
	target, err := m.FS.RawPath(m.Mountpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", constants.ErrMount, err)
	}

	internalUtils.Log.Debug().Str("what", other.Device()).Str("where", target).Msg("Mounting other bank")
	if err := m.Mounter.Mount(other.Device(), target, constants.RootFsType, nil); err != nil {
		return nil, fmt.Errorf("%w: mounting %s on %s: %s", constants.ErrMount, other.Device(), target, err)
	}
	return NewMountGuard(other, m.Mountpoint, func() error {
		if err := m.Mounter.Unmount(target); err != nil {
			return fmt.Errorf("%w: %s", constants.ErrMount, err)
		}
		return nil
	}), nil
}

// CopyConfig copies every path listed in fileList from the active bank to targetRoot.
// Entries resolving to the same source and destination are skipped. The first failure
// aborts the remaining copies.
func (m *Manager) CopyConfig(targetRoot, fileList string) error {
	internalUtils.Log.Info().Str("to", targetRoot).Str("list", fileList).Msg("Copy config")
	dat, err := m.FS.ReadFile(fileList)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %s", constants.ErrIO, fileList, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(dat))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		from, okFrom := internalUtils.InRoot(m.ActiveRoot, line)
		_, okTo := internalUtils.InRoot(targetRoot, line)
		if !okFrom || !okTo {
			return fmt.Errorf("%w: %q escapes the bank root", constants.ErrIO, line)
		}
		// Links in the new bank resolve against the new bank, never the running one
		to, err := internalUtils.SecureInRoot(m.FS, targetRoot, line)
		if err != nil {
			return fmt.Errorf("%w: resolving %q: %s", constants.ErrIO, line, err)
		}
		if m.sameFile(from, to) {
			internalUtils.Log.Warn().Str("what", from).Str("to", to).Msg("Source and destination are the same, not copying")
			continue
		}
		internalUtils.Log.Debug().Str("from", from).Str("to", to).Msg("Copy")
		if err := m.copyFile(from, to); err != nil {
			return fmt.Errorf("%w: copying %s to %s: %s", constants.ErrIO, from, to, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %s", constants.ErrIO, err)
	}
	return nil
}

func (m *Manager) sameFile(from, to string) bool {
	src, err := m.FS.Stat(from)
	if err != nil {
		return false
	}
	dst, err := m.FS.Stat(to)
	if err != nil {
		return false
	}
	return os.SameFile(src, dst)
}

func (m *Manager) copyFile(from, to string) (err error) {
	src, err := m.FS.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}

	if err := internalUtils.CreateIfNotExists(m.FS, filepath.Dir(to)); err != nil {
		return err
	}
	dst, err := m.FS.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(dst, src)
	return err
}

// RenderFstab overwrites destination with the mount table of a system booting from b.
func (m *Manager) RenderFstab(b Bank, destination string) (err error) {
	internalUtils.Log.Info().Str("bank", b.String()).Str("to", destination).Msg("Regenerate fstab")
	f, err := m.FS.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %s", constants.ErrIO, destination, err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("%w: %s", constants.ErrIO, closeErr)
		}
	}()
	if _, err := f.Write([]byte(b.Fstab())); err != nil {
		return fmt.Errorf("%w: writing %s: %s", constants.ErrIO, destination, err)
	}
	return nil
}
