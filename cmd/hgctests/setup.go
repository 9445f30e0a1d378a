package main

import (
	"context"
	"fmt"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/api"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/ci"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/secrets"
)

// loadConfig loads the configuration, resolves secret references and
// validates it with validate.
func loadConfig(ctx context.Context, validate func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ResolveSecrets(ctx, secrets.NewResolver(log, cfg.Secrets.Vault)); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}

	return cfg, nil
}

// buildDependencies constructs the stores and the CI dispatcher. Nothing is
// started.
func buildDependencies(cfg *config.Config) (api.Dependencies, error) {
	runStore, err := runs.NewStore(log, &cfg.RunStore)
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("creating run store: %w", err)
	}

	backend, err := artifacts.NewBackend(log, &cfg.Artifacts)
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("creating artifact store: %w", err)
	}

	dispatcher, err := ci.NewDispatcher(log, cfg)
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("creating ci dispatcher: %w", err)
	}

	return api.Dependencies{
		Runs:       runStore,
		Artifacts:  artifacts.NewStore(log, backend),
		Dispatcher: dispatcher,
	}, nil
}

// startStores starts the run store and artifact backend for the CI-side
// commands. The returned function stops the run store.
func startStores(ctx context.Context, deps api.Dependencies) (func(), error) {
	if err := deps.Runs.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting run store: %w", err)
	}

	stop := func() {
		if err := deps.Runs.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}
	}

	if err := deps.Artifacts.Backend().Start(ctx); err != nil {
		stop()

		return nil, fmt.Errorf("starting artifact store: %w", err)
	}

	return stop, nil
}
