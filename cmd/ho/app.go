package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thalesfsp/ho"
	"github.com/thalesfsp/ho/internal/config"
	"github.com/thalesfsp/ho/internal/logger"
	"github.com/thalesfsp/ho/queue"
	"github.com/thalesfsp/ho/tracking"
)

// appLog is the logger of the running command, set once it is built.
var appLog *zap.Logger

// app bundles what a command needs: configuration, logger, tracker and
// queue backend.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *tracking.Store
	queue queue.Queue

	closers []func() error
}

// newApp loads the configuration with overrides applied, then opens the
// backends it names.
func newApp(cmd *cobra.Command, overrides map[string]string) (*app, error) {
	cfg, err := loadConfig(overrides)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ho.ErrConfig, err)
	}
	appLog = log
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	store, err := tracking.Open(cfg.Tracking.DB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %w", ho.ErrTrackingInit, err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	q, err := openQueue(cmd.Context(), cfg, store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %w", ho.ErrExecution, err)
	}
	a.queue = q
	if r, ok := q.(*queue.Redis); ok {
		a.closers = append(a.closers, r.Close)
	}

	log.Debug("backends ready",
		zap.String("tracking_db", cfg.Tracking.DB),
		zap.String("queue_backend", cfg.Queue.Backend),
	)
	return a, nil
}

// loadConfig merges defaults, the --config file, the environment and
// overrides, then validates the result. The global --db and --debug flags
// are applied as overrides.
func loadConfig(overrides map[string]string) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]string{}
	}
	if dbPath != "" {
		overrides["tracking.db"] = dbPath
	}
	if debug {
		overrides["logging.level"] = "debug"
	}

	loader := config.NewLoader().WithOverrides(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ho.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openQueue(ctx context.Context, cfg *config.Config, store *tracking.Store) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case config.BackendRedis:
		return queue.DialRedis(ctx, queue.RedisConfig{
			Addr:        cfg.Queue.Redis.Addr,
			Password:    cfg.Queue.Redis.Password,
			DB:          cfg.Queue.Redis.DB,
			Prefix:      cfg.Queue.Prefix,
			DialTimeout: cfg.Queue.Redis.DialTimeout,
		})
	default:
		return store, nil
	}
}

// launcher returns a launcher over the app backends. Trials without a trial
// queue run as local processes.
func (a *app) launcher() *ho.Launcher {
	return ho.NewLauncher(a.store, a.queue,
		ho.WithLogger(a.log),
		ho.WithRunner(a.runner()),
		ho.WithPollInterval(a.cfg.Campaign.PollInterval),
	)
}

// Close releases the backends in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
