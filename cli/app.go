// Package cli contains the sensord command line.
package cli

import (
	"io"
	"time"

	"github.com/urfave/cli/v2"
)

const (
	generalFlagConfig    = "config"
	generalFlagDebug     = "debug"
	generalFlagFakeBoard = "fake-board"

	runFlagWatch = "watch"

	readFlagKind     = "kind"
	readFlagDevice   = "device"
	readFlagPin      = "pin"
	readFlagInterval = "interval"
	readFlagCount    = "count"
	readFlagTimeout  = "timeout"
	readFlagSet      = "set"
)

var app = &cli.App{
	Name:            "sensord",
	Usage:           "poll environmental sensors on a Linux board",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  generalFlagFakeBoard,
			Usage: "use an in-memory board instead of the host's buses and GPIO lines",
		},
	},
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "poll every configured sensor until interrupted",
			Action: RunAction,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  runFlagWatch,
					Usage: "restart the sensors when the config file changes",
				},
			},
		},
		{
			Name:      "read",
			Usage:     "take readings from one sensor",
			UsageText: "sensord read --kind temperature --device bme280 [--pin 118] [--count 3] [--set oversampling=4]",
			Action:    ReadAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     readFlagKind,
					Usage:    "measurement kind",
					Required: true,
				},
				&cli.StringFlag{
					Name:     readFlagDevice,
					Usage:    "device kind",
					Required: true,
				},
				&cli.IntFlag{
					Name:  readFlagPin,
					Usage: "I2C address or GPIO line; defaults to the chip's usual address",
					Value: -1,
				},
				&cli.DurationFlag{
					Name:  readFlagInterval,
					Usage: "polling interval",
					Value: time.Second,
				},
				&cli.IntFlag{
					Name:  readFlagCount,
					Usage: "number of readings to print",
					Value: 1,
				},
				&cli.DurationFlag{
					Name:  readFlagTimeout,
					Usage: "give up when the readings have not arrived after this long",
					Value: 30 * time.Second,
				},
				&cli.StringSliceFlag{
					Name:  readFlagSet,
					Usage: "apply `SETTING=VALUE` to the device before reading; may be repeated",
				},
			},
		},
		{
			Name:   "devices",
			Usage:  "list the supported devices and their measurements and settings",
			Action: DevicesAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
