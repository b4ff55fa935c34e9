package op

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/containerd/containerd/mount"
	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/moby/sys/mountinfo"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
)

type MountOperation struct {
	MountOption     mount.Mount
	Target          string
	PrepareCallback func() error
}

func (m MountOperation) Run() error {
	// Add context to sublogger
	l := internalUtils.Log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Strs("options", m.MountOption.Options).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("executing mount callback")
			return err
		}
	}
	mounted, err := mountinfo.Mounted(m.Target)
	if err != nil {
		l.Warn().Err(err).Msg("checking mount status")
		return err
	}
	if mounted {
		l.Debug().Msg("Already mounted")
		return constants.ErrAlreadyMounted
	}
	l.Debug().Msg("mount ready")
	return mount.All([]mount.Mount{m.MountOption}, m.Target)
}

// Mounter is the mount capability used by the bank manager.
type Mounter interface {
	Mount(source, target, fsType string, options []string) error
	// Unmount detaches target, it does not wait for in-flight I/O to settle.
	Unmount(target string) error
	// DeviceMounted reports whether source is mounted anywhere.
	DeviceMounted(source string) (bool, error)
}

// SystemMounter mounts through the kernel.
type SystemMounter struct {
	Attempts uint
	Delay    time.Duration
}

func NewSystemMounter(attempts uint) *SystemMounter {
	if attempts == 0 {
		attempts = 1
	}
	return &SystemMounter{Attempts: attempts, Delay: time.Second}
}

func (s *SystemMounter) Mount(source, target, fsType string, options []string) error {
	op := MountOperation{
		MountOption: mount.Mount{Type: fsType, Source: source, Options: options},
		Target:      target,
	}
	// The mountpoint may live on a tmpfs that was cleaned between attempts
	op.PrepareCallback = func() error {
		return internalUtils.CreateIfNotExists(vfs.OSFS, target)
	}
	// A freshly formatted device can take a moment before it is mountable
	return retry.Do(op.Run,
		retry.Attempts(s.Attempts),
		retry.Delay(s.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, constants.ErrAlreadyMounted)
		}),
		retry.OnRetry(func(n uint, err error) {
			internalUtils.Log.Debug().Err(err).Uint("attempt", n+1).Str("what", source).Msg("retrying mount")
		}),
	)
}

func (s *SystemMounter) Unmount(target string) error {
	if err := mount.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

func (s *SystemMounter) DeviceMounted(source string) (bool, error) {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.Source == source {
			return true, nil
		}
	}
	return false, nil
}
