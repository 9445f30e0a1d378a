// Package api serves the HTTP interface for triggering test runs and reading
// their results.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/ci"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the routed handler without listening, for hosting
	// environments that deliver requests themselves.
	Handler() http.Handler
}

// Dependencies are the collaborators the API delegates to.
type Dependencies struct {
	Runs       runs.Store
	Artifacts  *artifacts.Store
	Dispatcher ci.Dispatcher
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	runs       runs.Store
	artifacts  *artifacts.Store
	dispatcher ci.Dispatcher
	keys       *apiKeyring
	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server. The configuration must already have
// its secrets resolved.
func NewServer(log logrus.FieldLogger, cfg *config.Config, deps Dependencies) Server {
	s := &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		runs:       deps.Runs,
		artifacts:  deps.Artifacts,
		dispatcher: deps.Dispatcher,
		keys:       newAPIKeyring(cfg.Auth.APIKeys),
		done:       make(chan struct{}),
	}

	if cfg.CI.GitHub.WebhookSecret == "" {
		s.log.Warn("No webhook secret configured, workflow_run deliveries will be rejected")
	}

	s.handler = s.buildRouter()

	return s
}

// StartDependencies starts the run store and the artifact backend, then
// applies artifact retention when the configuration asks for it.
func StartDependencies(ctx context.Context, log logrus.FieldLogger, cfg *config.Config, deps Dependencies) error {
	if err := deps.Runs.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	if err := deps.Artifacts.Backend().Start(ctx); err != nil {
		return fmt.Errorf("starting artifact store: %w", err)
	}

	if cfg.Artifacts.Driver == config.ArtifactsDriverS3 && cfg.Artifacts.S3.ManageLifecycle {
		lm, ok := deps.Artifacts.Backend().(artifacts.LifecycleManager)
		if ok {
			if err := lm.ApplyRetention(ctx, cfg.RunStore.Retention); err != nil {
				log.WithError(err).Warn("Failed to apply artifact retention")
			}
		}
	}

	return nil
}

// Start starts the dependencies and the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := StartDependencies(ctx, s.log, s.cfg, Dependencies{
		Runs:       s.runs,
		Artifacts:  s.artifacts,
		Dispatcher: s.dispatcher,
	}); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the run store.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if err := s.runs.Stop(); err != nil {
		return fmt.Errorf("stopping run store: %w", err)
	}

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Handler() http.Handler {
	return s.handler
}
