// Package cli contains the chaincal command line tool.
package cli

import (
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"go.viam.com/chaincal/sim"
)

const (
	// Flags.
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"
	flagPatternFrame  = "pattern-frame"
	flagFramePeriod   = "frame-period"
	flagReplayCount   = "count"
	flagStorage       = "storage"
	flagLink          = "link"
	flagURDFInput     = "input"
	flagURDFOutput    = "output"
	flagURDFDryRun    = "dry-run"
)

const defaultFramePeriod = 30 * time.Millisecond

var app = &cli.App{
	Name:            "chaincal",
	Usage:           "calibrate the unknown links of a robot's kinematic chain",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "simulate",
			Usage: "run a calibration session against the built-in simulated robot",
			UsageText: "chaincal simulate --config <file> [--pattern-frame marker|board]\n\n" +
				"The simulated robot carries a pattern on its end effector (marker) and has a pattern\n" +
				"fixed in the room (board). Results are compared against the simulated ground truth.",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     generalFlagConfig,
					Aliases:  []string{"c"},
					Required: true,
					Usage:    "load the session configuration from `FILE`",
				},
				&cli.StringFlag{
					Name:  flagPatternFrame,
					Value: sim.MarkerFrame,
					Usage: "frame of the observed pattern, " + sim.MarkerFrame + " or " + sim.BoardFrame,
				},
				&cli.DurationFlag{
					Name:  flagFramePeriod,
					Value: defaultFramePeriod,
					Usage: "interval between simulated camera frames",
				},
			},
			Action: SimulateAction,
		},
		{
			Name:      "replay",
			Usage:     "solve from the observations stored by an earlier session",
			UsageText: "chaincal replay --config <file> [--count <n>]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     generalFlagConfig,
					Aliases:  []string{"c"},
					Required: true,
					Usage:    "load the session configuration from `FILE`",
				},
				&cli.IntFlag{
					Name:  flagReplayCount,
					Usage: "number of stored observations to load, all of them when unset",
				},
			},
			Action: ReplayAction,
		},
		{
			Name:      "validate",
			Usage:     "check a session configuration without running it",
			UsageText: "chaincal validate --config <file>",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     generalFlagConfig,
					Aliases:  []string{"c"},
					Required: true,
					Usage:    "load the session configuration from `FILE`",
				},
			},
			Action: ValidateAction,
		},
		{
			Name:      "show",
			Usage:     "print persisted links",
			UsageText: "chaincal show --storage <dir> [--link <parent->child>]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     flagStorage,
					Required: true,
					Usage:    "calibration storage `DIR`",
				},
				&cli.StringFlag{
					Name:  flagLink,
					Usage: "print only this link, given as parent->child",
				},
			},
			Action: ShowAction,
		},
		{
			Name:      "urdf",
			Usage:     "write persisted links into the joint origins of a URDF file",
			UsageText: "chaincal urdf --storage <dir> --input <robot.urdf> [--output <out.urdf>] [--dry-run]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     flagStorage,
					Required: true,
					Usage:    "calibration storage `DIR`",
				},
				&cli.PathFlag{
					Name:     flagURDFInput,
					Required: true,
					Usage:    "URDF `FILE` to update",
				},
				&cli.PathFlag{
					Name:  flagURDFOutput,
					Usage: "where to write the updated URDF, the input file when unset",
				},
				&cli.BoolFlag{
					Name:  flagURDFDryRun,
					Usage: "print the updated URDF instead of writing it",
				},
			},
			Action: URDFApplyAction,
		},
	},
}

// NewApp returns the app with its output streams set.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
