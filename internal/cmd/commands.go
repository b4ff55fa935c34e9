package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kairos-io/firmware-updater/internal/config"
	"github.com/kairos-io/firmware-updater/internal/constants"
	"github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/internal/version"
	"github.com/kairos-io/firmware-updater/pkg/bank"
	"github.com/kairos-io/firmware-updater/pkg/bootenv"
	"github.com/kairos-io/firmware-updater/pkg/op"
	"github.com/kairos-io/firmware-updater/pkg/schema"
	"github.com/kairos-io/firmware-updater/pkg/server"
	"github.com/kairos-io/firmware-updater/pkg/state"
	"github.com/kairos-io/firmware-updater/pkg/update"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// GlobalFlags are accepted by every command.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "YAML configuration file",
		Value:   constants.DefaultConfigFile,
		EnvVars: []string{"FIRMWARE_UPDATE_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "env file overriding the configuration file",
		Value: constants.DefaultEnvFile,
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	},
}

var Commands = []*cli.Command{
	{
		Name:   "serve",
		Usage:  "answer commands on the configured ZeroMQ endpoint",
		Action: Serve,
	},
	{
		Name:  "detect-bank",
		Usage: "print the state of both banks",
		Action: func(c *cli.Context) error {
			m, _, err := newMachine(c)
			if err != nil {
				return err
			}
			return reply(m.Handle(schema.GetStatus{}))
		},
	},
	{
		Name:  "update",
		Usage: "write a firmware archive to the other bank",
		Description: `
Formats the other bank, streams the zstd compressed tar archive into it, copies the
configuration of the running bank and renders its fstab. The running bank is not touched.
`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from-url", Aliases: []string{"f"}, Required: true, Usage: "URL of the firmware archive"},
			&cli.StringFlag{Name: "username", Usage: "HTTP Basic auth username"},
			&cli.StringFlag{Name: "password", Usage: "HTTP Basic auth password"},
		},
		Action: func(c *cli.Context) error {
			m, _, err := newMachine(c)
			if err != nil {
				return err
			}
			cmd := schema.Update{FromURL: c.String("from-url")}
			if c.IsSet("username") {
				u := c.String("username")
				cmd.Username = &u
			}
			if c.IsSet("password") {
				p := c.String("password")
				cmd.Password = &p
			}
			if resp := m.Handle(cmd); resp.Status == schema.StatusError {
				return errors.New(resp.Detail)
			}

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for range ticker.C {
				resp := m.Handle(schema.GetStatus{})
				if m.Updating() {
					if resp.Progress != nil {
						utils.Log.Info().Int("percent", *resp.Progress).Msg("Downloading")
					}
					continue
				}
				if resp.Detail != "" {
					return errors.New(resp.Detail)
				}
				return reply(resp)
			}
			return nil
		},
	},
	{
		Name:  "format-other-bank",
		Usage: "create a fresh ext4 filesystem on the other bank",
		Action: func(c *cli.Context) error {
			m, _, err := newMachine(c)
			if err != nil {
				return err
			}
			return reply(m.Handle(schema.FormatOtherBank{}))
		},
	},
	{
		Name:  "copy-config",
		Usage: "copy the listed config files to the other bank and render its fstab",
		Action: func(c *cli.Context) error {
			m, _, err := newMachine(c)
			if err != nil {
				return err
			}
			return reply(m.Handle(schema.CopyConfig{}))
		},
	},
	{
		Name:      "set-desired-bank",
		Usage:     "select the bank the boot-loader tries next",
		ArgsUsage: "A|B",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one bank, got %d arguments", c.NArg())
			}
			b, err := bank.Parse(c.Args().First())
			if err != nil {
				return err
			}
			m, _, err := newMachine(c)
			if err != nil {
				return err
			}
			return reply(m.Handle(schema.SetDesiredBank{Bank: b}))
		},
	},
	{
		Name:  "version",
		Usage: "version",
		Action: func(c *cli.Context) error {
			v := version.Get()
			utils.Log.Info().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Str("version", v.Version).Msg("firmware-update")
			return nil
		},
	},
}

// Serve runs the command loop until SIGINT or SIGTERM.
func Serve(c *cli.Context) error {
	m, cfg, err := newMachine(c)
	if err != nil {
		return err
	}
	v := version.Get()
	utils.Log.Info().Str("commit", v.GitCommit).Str("version", v.Version).Msg("firmware-update")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(m, cfg.Listen).Serve(ctx)
}

// newMachine loads the configuration and wires the state machine to the real system.
func newMachine(c *cli.Context) (*state.Machine, config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, cfg, err
	}
	utils.SetLogger(c.Bool("debug") || cfg.Debug)
	utils.Log.Debug().Interface("config", cfg).Msg("Loaded configuration")

	runner := utils.SHRunner{}
	manager := bank.NewManager(vfs.OSFS, op.NewSystemMounter(cfg.MountAttempts), runner, cfg.Fstab, cfg.Mountpoint)
	env := bootenv.NewFwEnv(vfs.OSFS, runner, cfg.BootEnvScript)
	pipeline := update.NewPipeline(vfs.OSFS, cfg.HTTPTimeout, cfg.ProgressInterval)
	return state.New(manager, env, pipeline, cfg.FileList), cfg, nil
}

// reply prints resp as JSON on stdout, an Error reply is returned as the command error.
func reply(resp schema.Response) error {
	if resp.Status == schema.StatusError {
		return errors.New(resp.Detail)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
