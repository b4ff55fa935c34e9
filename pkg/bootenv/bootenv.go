// Package bootenv reads and writes U-Boot environment variables through the
// fw_printenv and fw_setenv tools.
package bootenv

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kairos-io/firmware-updater/internal/constants"
	internalUtils "github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/twpayne/go-vfs/v4"
)

// Known variables.
const (
	DesiredBank       = "desired_bank"
	LastTriedBank     = "last_tried_bank"
	LastKnownGoodBank = "last_known_good_bank"
)

const (
	printenvTool = "fw_printenv"
	setenvTool   = "fw_setenv"

	scriptFileModePerm = 0o600
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Accessor reads and writes named boot-loader variables.
type Accessor interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// FwEnv is the Accessor backed by the U-Boot userspace tools.
type FwEnv struct {
	FS     vfs.FS
	Runner internalUtils.Runner
	// Script is the file handed to fw_setenv -s.
	Script string
}

func NewFwEnv(fs vfs.FS, runner internalUtils.Runner, script string) *FwEnv {
	return &FwEnv{FS: fs, Runner: runner, Script: script}
}

func (e *FwEnv) Get(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: invalid variable name %q", constants.ErrBootLoader, name)
	}
	out, err := e.Runner.Run(printenvTool, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s %s: %s: %s", constants.ErrBootLoader, printenvTool, name, err, strings.TrimSpace(out))
	}
	prefix := name + "="
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), nil
		}
	}
	return "", fmt.Errorf("%w: %s not set", constants.ErrBootLoader, name)
}

func (e *FwEnv) Set(name, value string) error {
	if !validName.MatchString(name) || strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("%w: invalid assignment %s=%q", constants.ErrBootLoader, name, value)
	}
	if err := internalUtils.CreateIfNotExists(e.FS, filepath.Dir(e.Script)); err != nil {
		return fmt.Errorf("%w: %s", constants.ErrBootLoader, err)
	}
	if err := e.FS.WriteFile(e.Script, []byte(fmt.Sprintf("%s=%s\n", name, value)), scriptFileModePerm); err != nil {
		return fmt.Errorf("%w: writing %s: %s", constants.ErrBootLoader, e.Script, err)
	}
	script, err := e.FS.RawPath(e.Script)
	if err != nil {
		return fmt.Errorf("%w: %s", constants.ErrBootLoader, err)
	}
	out, err := e.Runner.Run(setenvTool, "-s", script)
	if err != nil {
		return fmt.Errorf("%w: %s: %s: %s", constants.ErrBootLoader, setenvTool, err, strings.TrimSpace(out))
	}
	return nil
}

// Banks wraps an Accessor with typed access to the bank variables.
type Banks struct {
	Accessor
}

func (b Banks) bank(name string) (bank.Bank, error) {
	v, err := b.Get(name)
	if err != nil {
		return "", err
	}
	parsed, err := bank.Parse(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not A or B: %s", constants.ErrBootLoader, name, err)
	}
	return parsed, nil
}

func (b Banks) DesiredBank() (bank.Bank, error) { return b.bank(DesiredBank) }

func (b Banks) LastTriedBank() (bank.Bank, error) { return b.bank(LastTriedBank) }

func (b Banks) LastKnownGoodBank() (bank.Bank, error) { return b.bank(LastKnownGoodBank) }

func (b Banks) SetDesiredBank(v bank.Bank) error { return b.Set(DesiredBank, v.String()) }

func (b Banks) SetLastTriedBank(v bank.Bank) error { return b.Set(LastTriedBank, v.String()) }

func (b Banks) SetLastKnownGoodBank(v bank.Bank) error { return b.Set(LastKnownGoodBank, v.String()) }
