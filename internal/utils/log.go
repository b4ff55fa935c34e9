package utils

import (
	"os"

	"github.com/kairos-io/kairos-sdk/types"
	"github.com/rs/zerolog"
)

// Log is the logger shared by every package of the updater.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// KLog owns the log files behind Log once SetLogger ran.
var KLog types.KairosLogger

func SetLogger(debug bool) {
	level := "info"

	// Set debug level
	debugFromCmdline := len(ReadCMDLineArg("rd.firmware_update.debug")) > 0
	if debug || debugFromCmdline {
		level = "debug"
	}

	// FIRMWARE_UPDATE_DEBUG is read by the logger itself
	KLog = types.NewKairosLogger("firmware_update", level, false)
	Log = KLog.Logger
}
