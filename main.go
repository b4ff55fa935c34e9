package main

import (
	"fmt"
	"os"

	"github.com/kairos-io/firmware-updater/internal/cmd"
	"github.com/kairos-io/firmware-updater/internal/utils"
	"github.com/kairos-io/firmware-updater/internal/version"
	"github.com/urfave/cli/v2"
)

// A/B firmware updater for the boot disk banks.
func main() {
	app := cli.NewApp()
	app.Name = "firmware-update"
	app.Usage = "update the inactive bank and pick the bank to boot"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Flags = cmd.GlobalFlags
	app.Commands = cmd.Commands
	app.Action = cmd.Serve
	app.After = func(*cli.Context) error {
		utils.KLog.Close()
		return nil
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
