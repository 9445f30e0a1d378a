// Package ci starts test runs on the external CI system and interprets the
// status reports it sends back.
package ci

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

var (
	// ErrDispatch is returned when the CI system rejects or cannot be
	// reached for a dispatch.
	ErrDispatch = errors.New("ci dispatch failed")

	// ErrUnknownBrand is returned when a brand has no workflow configured.
	ErrUnknownBrand = errors.New("unknown brand")
)

// DispatchRequest identifies the run a workflow should execute.
type DispatchRequest struct {
	Brand       string
	Environment string
	RunID       string
}

// DispatchResult describes the dispatched workflow.
type DispatchResult struct {
	Provider string
	Workflow string
}

// Dispatcher starts a test suite run on the CI system.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}

// NewDispatcher creates the dispatcher selected by cfg.CI.Provider.
func NewDispatcher(log logrus.FieldLogger, cfg *config.Config) (Dispatcher, error) {
	switch cfg.CI.Provider {
	case config.CIProviderGitHub:
		return NewGitHubDispatcher(log, &cfg.CI.GitHub, cfg.Brands)
	case config.CIProviderNone, "":
		return NewNoopDispatcher(log), nil
	default:
		return nil, fmt.Errorf("unsupported ci provider %q", cfg.CI.Provider)
	}
}

type noopDispatcher struct {
	log logrus.FieldLogger
}

var _ Dispatcher = (*noopDispatcher)(nil)

// NewNoopDispatcher returns a dispatcher that only logs. Runs it accepts
// stay pending until reported through the status callback.
func NewNoopDispatcher(log logrus.FieldLogger) Dispatcher {
	return &noopDispatcher{log: log.WithField("component", "ci-noop")}
}

func (d *noopDispatcher) Dispatch(_ context.Context, req DispatchRequest) (*DispatchResult, error) {
	d.log.WithFields(logrus.Fields{
		"brand":       req.Brand,
		"environment": req.Environment,
		"run_id":      req.RunID,
	}).Info("Skipping CI dispatch")

	return &DispatchResult{Provider: config.CIProviderNone}, nil
}
