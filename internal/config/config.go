// Package config loads the updater configuration from a YAML file, an env file and the
// process environment, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/kairos-io/firmware-updater/internal/constants"
	"github.com/kairos-io/firmware-updater/internal/utils"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FIRMWARE_UPDATE_"

type Config struct {
	Listen           string        `yaml:"listen"`
	Fstab            string        `yaml:"fstab"`
	Mountpoint       string        `yaml:"mountpoint"`
	FileList         string        `yaml:"filelist"`
	BootEnvScript    string        `yaml:"bootenv_script"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	MountAttempts    uint          `yaml:"mount_attempts"`
	Debug            bool          `yaml:"debug"`
}

func Default() Config {
	return Config{
		Listen:           constants.DefaultListen,
		Fstab:            constants.DefaultFstab,
		Mountpoint:       constants.DefaultMountpoint,
		FileList:         constants.DefaultFileList,
		BootEnvScript:    constants.DefaultBootEnvScript,
		HTTPTimeout:      constants.DefaultHTTPTimeoutHours * time.Hour,
		ProgressInterval: time.Second,
		MountAttempts:    constants.DefaultMountAttempts,
	}
}

// Load builds the configuration. Missing files are not an error, everything has a default.
func Load(configFile, envFile string) (Config, error) {
	cfg := Default()

	if configFile != "" {
		dat, err := os.ReadFile(configFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			utils.Log.Debug().Str("file", configFile).Msg("no config file, using defaults")
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(dat, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", configFile, err)
			}
		}
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := utils.ReadEnv(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("reading %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, k := range keys() {
		if v, ok := os.LookupEnv(envPrefix + k); ok {
			env[envPrefix+k] = v
		}
	}

	return cfg, cfg.apply(env)
}

func keys() []string {
	return []string{"LISTEN", "FSTAB", "MOUNTPOINT", "FILELIST", "BOOTENV_SCRIPT", "HTTP_TIMEOUT", "PROGRESS_INTERVAL", "MOUNT_ATTEMPTS", "DEBUG"}
}

func (c *Config) apply(env map[string]string) error {
	for _, k := range keys() {
		v, ok := env[envPrefix+k]
		if !ok {
			continue
		}
		var err error
		switch k {
		case "LISTEN":
			c.Listen = v
		case "FSTAB":
			c.Fstab = v
		case "MOUNTPOINT":
			c.Mountpoint = v
		case "FILELIST":
			c.FileList = v
		case "BOOTENV_SCRIPT":
			c.BootEnvScript = v
		case "HTTP_TIMEOUT":
			c.HTTPTimeout, err = time.ParseDuration(v)
		case "PROGRESS_INTERVAL":
			c.ProgressInterval, err = time.ParseDuration(v)
		case "MOUNT_ATTEMPTS":
			var n uint64
			n, err = strconv.ParseUint(v, 10, 32)
			c.MountAttempts = uint(n)
		case "DEBUG":
			c.Debug, err = strconv.ParseBool(v)
		}
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, k, v, err)
		}
	}
	return nil
}
