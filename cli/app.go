// Package cli contains the batchvision command line interface.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"

	serveFlagAddr  = "addr"
	serveFlagWatch = "watch"

	imagesFlagDir = "dir"

	detectFlagStream = "stream"

	benchFlagStreams       = "streams"
	benchFlagCalls         = "calls"
	benchFlagFramesPerCall = "frames-per-call"
	benchFlagFPS           = "fps"
)

var configFlag = &cli.StringFlag{
	Name:     generalFlagConfig,
	Aliases:  []string{"c"},
	Usage:    "load configuration from `FILE`",
	Required: true,
}

var dirFlag = &cli.StringFlag{
	Name:  imagesFlagDir,
	Usage: "read every image in `DIR`",
}

// NewApp returns the batchvision app writing to out and errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "batchvision",
		Usage:           "run two-stage batched object detection",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve detection, stats and metrics over HTTP",
				Flags:  []cli.Flag{configFlag, &cli.StringFlag{Name: serveFlagAddr, Usage: "override web.addr from the config"}, &cli.BoolFlag{Name: serveFlagWatch, Value: true, Usage: "apply batching changes when the config file changes"}},
				Action: ServeAction,
			},
			{
				Name:      "validate-config",
				Usage:     "check a config file and print what it would build",
				Flags:     []cli.Flag{configFlag},
				Action:    ValidateConfigAction,
				ArgsUsage: " ",
			},
			{
				Name:      "detect",
				Usage:     "run images through the pipeline once and print the results",
				ArgsUsage: "[IMAGE...]",
				Flags:     []cli.Flag{configFlag, dirFlag, &cli.StringFlag{Name: detectFlagStream, Value: "cli", Usage: "stream id to tag frames with"}},
				Action:    DetectAction,
			},
			{
				Name:      "bench",
				Usage:     "push images through the pipeline from concurrent streams and report throughput",
				ArgsUsage: "[IMAGE...]",
				Flags: []cli.Flag{
					configFlag,
					dirFlag,
					&cli.IntFlag{Name: benchFlagStreams, Value: 4, Usage: "number of concurrent streams"},
					&cli.IntFlag{Name: benchFlagCalls, Value: 25, Usage: "calls per stream"},
					&cli.IntFlag{Name: benchFlagFramesPerCall, Value: 1, Usage: "frames per call"},
					&cli.Float64Flag{Name: benchFlagFPS, Usage: "limit each stream to this many frames per second, 0 for no limit"},
				},
				Action: BenchAction,
			},
			{
				Name:      "schema",
				Usage:     "print the JSON schema of the config file or of a detector type's attributes",
				ArgsUsage: "[DETECTOR_TYPE]",
				Action:    SchemaAction,
			},
		},
	}
}
