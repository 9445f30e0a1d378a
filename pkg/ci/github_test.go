package ci

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

type dispatchCall struct {
	Path   string
	Auth   string
	Ref    string         `json:"ref"`
	Inputs map[string]any `json:"inputs"`
}

func newTestGitHub(t *testing.T, status int) (Dispatcher, *[]dispatchCall) {
	t.Helper()

	var calls []dispatchCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call dispatchCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))

		call.Path = r.URL.Path
		call.Auth = r.Header.Get("Authorization")
		calls = append(calls, call)

		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	brands := map[string]config.BrandConfig{
		"mweb": {
			Environments: []string{"prod"},
			Workflow: config.WorkflowRefConfig{
				Owner: "mwebcode",
				Repo:  "hgc-frontend-tests",
				File:  "run-tests.yml",
				Ref:   "main",
			},
		},
	}

	d, err := NewGitHubDispatcher(log, &config.GitHubConfig{
		Token:   "ghp_test",
		BaseURL: srv.URL + "/api/v3/",
	}, brands)
	require.NoError(t, err)

	return d, &calls
}

func TestGitHubDispatcher_Dispatch(t *testing.T) {
	d, calls := newTestGitHub(t, http.StatusNoContent)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		Brand:       "mweb",
		Environment: "prod",
		RunID:       "r-1",
	})
	require.NoError(t, err)
	assert.Equal(t, config.CIProviderGitHub, res.Provider)
	assert.Equal(t, "mwebcode/hgc-frontend-tests/run-tests.yml@main", res.Workflow)

	require.Len(t, *calls, 1)

	call := (*calls)[0]
	assert.Equal(t, "/api/v3/repos/mwebcode/hgc-frontend-tests/actions/workflows/run-tests.yml/dispatches", call.Path)
	assert.Equal(t, "Bearer ghp_test", call.Auth)
	assert.Equal(t, "main", call.Ref)
	assert.Equal(t, map[string]any{
		InputBrand:       "mweb",
		InputEnvironment: "prod",
		InputRunID:       "r-1",
	}, call.Inputs)
}

func TestGitHubDispatcher_Failure(t *testing.T) {
	d, _ := newTestGitHub(t, http.StatusUnprocessableEntity)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Brand: "mweb", Environment: "prod", RunID: "r-1"})
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestGitHubDispatcher_UnknownBrand(t *testing.T) {
	d, calls := newTestGitHub(t, http.StatusNoContent)

	_, err := d.Dispatch(context.Background(), DispatchRequest{Brand: "other", Environment: "prod", RunID: "r-1"})
	assert.ErrorIs(t, err, ErrUnknownBrand)
	assert.Empty(t, *calls)
}

func TestNewDispatcher(t *testing.T) {
	log := logrus.New()

	d, err := NewDispatcher(log, &config.Config{CI: config.CIConfig{Provider: config.CIProviderNone}})
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), DispatchRequest{Brand: "mweb", RunID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, config.CIProviderNone, res.Provider)

	_, err = NewDispatcher(log, &config.Config{CI: config.CIConfig{Provider: "jenkins"}})
	assert.Error(t, err)
}
