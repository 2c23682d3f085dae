package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/batchvision/config"
	"go.viam.com/batchvision/metrics"
	"go.viam.com/batchvision/web/server"
)

// ServeAction builds the configured pipeline and serves it until interrupted.
func ServeAction(c *cli.Context) (err error) {
	s, err := loadSetup(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, s, c.String(serveFlagAddr), c.Bool(serveFlagWatch))
}

func serve(ctx context.Context, s *setup, addr string, watch bool) (err error) {
	p, err := s.cfg.BuildPipeline(s.logger.Sublogger("pipeline"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, p.Close())
	}()

	if watch && s.cfg.ConfigFilePath != "" {
		watcher, watchErr := config.Watch(s.cfg.ConfigFilePath, s.logger.Sublogger("config"), func(next *config.Config) {
			s.logger.SetLevel(next.Log.Level)
			if err := next.ApplyBatching(p); err != nil {
				s.logger.Warnw("applying config change", "error", err)
			}
		})
		if watchErr != nil {
			return errors.Wrap(watchErr, "watching config")
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
	}

	if addr == "" {
		addr = s.cfg.Web.Addr
	}
	srv := server.New(p, metrics.New(p), s.logger.Sublogger("web"), server.WithCORS(s.cfg.Web.CORSOrigins...))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		s.logger.Errorw("error serving web", "error", err)
		return err
	}
	return nil
}
