package constants

import "errors"

var ErrAlreadyMounted = errors.New("already mounted")

// Error kinds surfaced to command callers. Wrap them with fmt.Errorf("%w: ...").
var (
	ErrDetection     = errors.New("detection error")
	ErrFormat        = errors.New("format error")
	ErrMount         = errors.New("mount error")
	ErrIO            = errors.New("io error")
	ErrNetwork       = errors.New("network error")
	ErrDecode        = errors.New("decode error")
	ErrBootLoader    = errors.New("boot-loader error")
	ErrProtocol      = errors.New("protocol error")
	ErrStateConflict = errors.New("state conflict")
)

const (
	OpExtract     = "extract-firmware"
	OpMarkExtract = "mark-extracted"
	OpCopyConfig  = "copy-config"
	OpWriteFstab  = "write-fstab"

	DefaultListen           = "tcp://127.0.0.1:5556"
	DefaultConfigFile       = "/etc/firmware-update/config.yaml"
	DefaultEnvFile          = "/etc/default/firmware-update"
	DefaultFstab            = "/etc/fstab"
	DefaultMountpoint       = "/mnt/other_bank"
	DefaultFileList         = "/etc/firmware-update/filelist.txt"
	DefaultBootEnvScript    = "/run/firmware-update/ubootfw.script"
	DefaultMountAttempts    = 5
	DefaultHTTPTimeoutHours = 6

	// Marker files, one line each, in the root of every bank.
	VersionFilename     = "image_built_at.txt"
	ExtractedAtFilename = "extracted_at.txt"

	// Fstab of a bank, relative to its root.
	BankFstab = "etc/fstab"

	RootFsType = "ext4"
)
