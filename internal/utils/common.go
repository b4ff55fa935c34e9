package utils

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	sdkUtils "github.com/kairos-io/kairos-sdk/utils"
	"github.com/twpayne/go-vfs/v4"
)

// Runner runs an external tool and returns its combined output.
type Runner interface {
	Run(name string, args ...string) (string, error)
}

// SHRunner runs tools through the system shell.
type SHRunner struct{}

func (SHRunner) Run(name string, args ...string) (string, error) {
	words := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		words = append(words, shellQuote(a))
	}
	cmd := strings.Join(words, " ")
	Log.Debug().Str("cmd", cmd).Msg("running")
	return sdkUtils.SH(cmd)
}

// shellQuote makes s a single literal word for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func CreateIfNotExists(fileSystem vfs.FS, path string) error {
	if _, err := fileSystem.Stat(path); errors.Is(err, fs.ErrNotExist) {
		err = vfs.MkdirAll(fileSystem, path, fs.ModePerm)
		// Someone else may have created it in between
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// ReadEnv reads a key=value env file.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// ReadMarker reads a single-line marker file, nil when it cannot be read.
func ReadMarker(fileSystem vfs.FS, path string) (*string, error) {
	dat, err := fileSystem.ReadFile(path)
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(dat))
	return &line, nil
}
