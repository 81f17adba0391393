package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vpsfleet/vpsfleet/pkg/chains"
	"github.com/vpsfleet/vpsfleet/pkg/config"
	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/handlers"
	"github.com/vpsfleet/vpsfleet/pkg/policy"
	"github.com/vpsfleet/vpsfleet/pkg/stores"
)

// fleet is the database side of fleetctl: chains are validated against the
// handler table and the configured policies, then committed for the daemons
// to pick up.
type fleet struct {
	cfg     *config.Config
	store   *stores.SQLiteStore
	chains  *chains.Service
	builder *engine.Builder
}

func openFleet(ctx context.Context) (*fleet, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.Logger

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	reg := engine.NewRegistry()
	handlers.NewSet(handlers.Options{Bins: cfg.Bins, Logger: logger}).Register(reg)
	if err := cfg.Bind(reg); err != nil {
		store.Close()
		return nil, err
	}

	pol, err := policy.NewEngine(logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := pol.LoadPolicies(ctx, cfg.Policies); err != nil {
		store.Close()
		return nil, err
	}

	locks := engine.NewLockRegistry(store, logger)
	builder := engine.NewBuilder(store, locks, reg, logger)
	builder.SetAdmission(pol)

	svc := chains.NewService(builder, store, logger)
	svc.SetHooks(chains.Hooks{
		Runner:    config.NewStarlarkEvaluator(cfg.Hooks.Timeout.Std(), logger),
		PreStart:  cfg.Hooks.PreStart,
		PostStart: cfg.Hooks.PostStart,
	})

	return &fleet{cfg: cfg, store: store, chains: svc, builder: builder}, nil
}

func (f *fleet) Close() error {
	return f.store.Close()
}
