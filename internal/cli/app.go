package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/stepped/internal/engine"
	"github.com/roach88/stepped/internal/metrics"
	"github.com/roach88/stepped/internal/registry"
	"github.com/roach88/stepped/internal/sample"
	"github.com/roach88/stepped/internal/store"
)

// app is the object graph every command works against: the store, the
// engine with the sample actors registered, and its metrics.
type app struct {
	store   *store.Store
	engine  *engine.Engine
	actors  *sample.Actors
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func openStore(opts *RootOptions) (*store.Store, error) {
	db := opts.Config.Database
	if db.Driver == store.DriverSQLite {
		return store.Open(db.DSN)
	}
	return store.OpenDriver(db.Driver, db.DSN)
}

func newApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg := opts.Config
	logger := cfg.Log.NewLogger(opts.logOutput(cmd))

	policy, err := engine.PolicyFor(cfg.Engine.Recoverable)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid engine config", err)
	}

	s, err := openStore(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	reg := registry.New()
	e := engine.New(s, reg,
		engine.WithLogger(logger),
		engine.WithErrorPolicy(policy),
		engine.WithObserver(m),
		engine.WithFollowUpDelay(cfg.Engine.FollowUpDelay.Std()),
	)

	actors := sample.NewActors()
	if err := sample.Register(reg, actors, e, engine.SystemClock.Now); err != nil {
		s.Close()
		return nil, fmt.Errorf("register sample actors: %w", err)
	}

	return &app{store: s, engine: e, actors: actors, metrics: m, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}
