package ci

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/sirupsen/logrus"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

const githubHTTPTimeout = 10 * time.Second

// Workflow inputs passed to the test suite.
const (
	InputBrand       = "brand"
	InputEnvironment = "environment"
	InputRunID       = "run_id"
)

type githubDispatcher struct {
	log    logrus.FieldLogger
	client *github.Client
	brands map[string]config.BrandConfig
}

var _ Dispatcher = (*githubDispatcher)(nil)

// NewGitHubDispatcher creates a dispatcher that fires workflow_dispatch
// events on each brand's configured workflow.
func NewGitHubDispatcher(
	log logrus.FieldLogger,
	cfg *config.GitHubConfig,
	brands map[string]config.BrandConfig,
) (Dispatcher, error) {
	client := github.NewClient(&http.Client{Timeout: githubHTTPTimeout}).WithAuthToken(cfg.Token)

	if cfg.BaseURL != "" {
		var err error

		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring github base url: %w", err)
		}
	}

	return &githubDispatcher{
		log:    log.WithField("component", "ci-github"),
		client: client,
		brands: brands,
	}, nil
}

func (d *githubDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	brand, ok := d.brands[req.Brand]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBrand, req.Brand)
	}

	wf := brand.Workflow

	event := github.CreateWorkflowDispatchEventRequest{
		Ref: wf.Ref,
		Inputs: map[string]interface{}{
			InputBrand:       req.Brand,
			InputEnvironment: req.Environment,
			InputRunID:       req.RunID,
		},
	}

	log := d.log.WithFields(logrus.Fields{
		"repo":     wf.Owner + "/" + wf.Repo,
		"workflow": wf.File,
		"run_id":   req.RunID,
	})

	if _, err := d.client.Actions.CreateWorkflowDispatchEventByFileName(
		ctx, wf.Owner, wf.Repo, wf.File, event,
	); err != nil {
		log.WithError(err).Warn("Workflow dispatch failed")

		return nil, fmt.Errorf("%w: %s/%s %s: %w", ErrDispatch, wf.Owner, wf.Repo, wf.File, err)
	}

	log.Info("Dispatched workflow")

	return &DispatchResult{
		Provider: config.CIProviderGitHub,
		Workflow: fmt.Sprintf("%s/%s/%s@%s", wf.Owner, wf.Repo, wf.File, wf.Ref),
	}, nil
}
