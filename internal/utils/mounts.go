package utils

import (
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/twpayne/go-vfs/v4"
)

// GetHostProcCmdline returns the cmdline file to read, HOST_PROC_CMDLINE overrides /proc/cmdline.
func GetHostProcCmdline() string {
	proc := os.Getenv("HOST_PROC_CMDLINE")
	if proc == "" {
		return "/proc/cmdline"
	}
	return proc
}

func ReadCMDLineArg(arg string) []string {
	cmdLine, err := os.ReadFile(GetHostProcCmdline())
	if err != nil {
		return []string{}
	}
	res := []string{}
	fields := strings.Fields(string(cmdLine))
	for _, f := range fields {
		if strings.HasPrefix(f, arg) {
			dat := strings.Split(f, arg)
			res = append(res, dat[1])
		}
	}
	return res
}

// InRoot joins a relative or absolute path under root, never escaping it.
// ok is false when p tries to climb out of root with "..".
func InRoot(root, p string) (joined string, ok bool) {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return "", false
		}
	}
	return filepath.Join(root, filepath.Clean("/"+p)), true
}

// SecureInRoot joins p under root on fileSystem, resolving the symlinks met on the way as if
// root was /. The result stays under root whatever links the tree holds.
func SecureInRoot(fileSystem vfs.FS, root, p string) (string, error) {
	raw, err := fileSystem.RawPath(root)
	if err != nil {
		return "", err
	}
	resolved, err := securejoin.SecureJoin(raw, p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(raw, resolved)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}
