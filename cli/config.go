package cli

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/batchvision/config"
	"go.viam.com/batchvision/logging"
)

// setup is what every config-driven command starts from.
type setup struct {
	cfg    *config.Config
	logger logging.Logger
	closer io.Closer
}

func (s *setup) Close() error {
	return multierr.Combine(s.logger.Sync(), s.closer.Close())
}

// loadSetup reads the config named by the config flag and builds the logger it describes. The
// debug flag wins over the configured level.
func loadSetup(c *cli.Context) (*setup, error) {
	bootstrap := logging.NewLogger("batchvision")
	if c.Bool(generalFlagDebug) {
		bootstrap.SetLevel(logging.DEBUG)
	}
	path := c.String(generalFlagConfig)
	cfg, err := config.Read(c.Context, path, bootstrap)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if c.Bool(generalFlagDebug) {
		cfg.Log.Level = logging.DEBUG
	}
	logger, closer := logging.NewFromConfig("batchvision", cfg.Log)
	return &setup{cfg: cfg, logger: logger, closer: closer}, nil
}

// ValidateConfigAction reads and validates a config and prints a summary of it.
func ValidateConfigAction(c *cli.Context) error {
	path := c.String(generalFlagConfig)
	cfg, err := config.Read(c.Context, path, nil)
	if err != nil {
		return errors.Wrapf(err, "%s is not valid", path)
	}
	pc := cfg.PipelineConfig()
	w := c.App.Writer
	fmt.Fprintf(w, "%s is valid\n", path)
	fmt.Fprintf(w, "primary:   detector=%s max_batch_size=%d max_wait=%s\n",
		cfg.Detectors.Primary.Type, pc.Primary.MaxBatchSize, pc.Primary.MaxWait)
	if cfg.Detectors.Secondary != nil {
		fmt.Fprintf(w, "secondary: detector=%s max_batch_size=%d max_wait=%s\n",
			cfg.Detectors.Secondary.Type, pc.Secondary.MaxBatchSize, pc.Secondary.MaxWait)
	} else {
		fmt.Fprintln(w, "secondary: none")
	}
	fmt.Fprintf(w, "adaptive:  %t\n", pc.Adaptive.Enabled)
	fmt.Fprintf(w, "web:       %s\n", cfg.Web.Addr)
	return nil
}
