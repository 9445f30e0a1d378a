package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/ci"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

const (
	maxBodyBytes = 1 << 20

	// createAttempts bounds retries of run creation on id collisions.
	createAttempts = 3

	artifactsUnavailable = "artifacts could not be retrieved"
)

type triggerRequest struct {
	Brand       string `json:"brand"`
	Environment string `json:"environment"`
}

type triggerResponse struct {
	RunID       string      `json:"runId"`
	Status      runs.Status `json:"status"`
	Brand       string      `json:"brand"`
	Environment string      `json:"environment"`
}

type resultsResponse struct {
	*runs.TestRun
	Artifacts map[artifacts.Category][]artifacts.Artifact `json:"artifacts"`
	ReportURL string                                      `json:"reportUrl,omitempty"`

	ArtifactsError string `json:"artifactsError,omitempty"`
}

type listRunsResponse struct {
	Runs       []runs.TestRun `json:"runs"`
	Count      int            `json:"count"`
	Limit      int            `json:"limit"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type statusRequest struct {
	Brand        string            `json:"brand"`
	Status       string            `json:"status"`
	ArtifactRefs []string          `json:"artifactRefs,omitempty"`
	CIRunID      string            `json:"ciRunId,omitempty"`
	Conclusion   string            `json:"conclusion,omitempty"`
	Commit       string            `json:"commit,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Duration     int64             `json:"duration,omitempty"`
	Tests        *runs.TestSummary `json:"tests,omitempty"`
}

type messageResponse struct {
	Message string      `json:"message"`
	RunID   string      `json:"runId,omitempty"`
	Status  runs.Status `json:"status,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeBody strictly decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return validationError("invalid request body: %v", err)
	}

	return nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTriggerTests creates a pending run and asks CI to execute it.
func (s *server) handleTriggerTests(w http.ResponseWriter, r *http.Request) {
	if err := checkQuery(r.URL.Query(), nil); err != nil {
		s.writeError(w, r, err)

		return
	}

	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.requireBrand(req.Brand); err != nil {
		s.writeError(w, r, err)

		return
	}

	if !s.cfg.AllowsEnvironment(req.Brand, req.Environment) {
		s.writeError(w, r, validationError("unknown environment %q for brand %q", req.Environment, req.Brand))

		return
	}

	run, err := s.createRun(r, req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"brand":       run.Brand,
		"environment": run.Environment,
		"run_id":      run.RunID,
	})

	if _, err := s.dispatcher.Dispatch(r.Context(), ci.DispatchRequest{
		Brand:       run.Brand,
		Environment: run.Environment,
		RunID:       run.RunID,
	}); err != nil {
		apiErr := toAPIError(err)
		if apiErr.Kind == KindInternal {
			apiErr = &Error{Kind: KindUpstream, Message: "ci dispatch failed", Err: err}
		}

		apiErr.RunID = run.RunID
		s.writeError(w, r, apiErr)

		return
	}

	log.Info("Triggered test run")

	writeJSON(w, http.StatusCreated, triggerResponse{
		RunID:       run.RunID,
		Status:      run.Status,
		Brand:       run.Brand,
		Environment: run.Environment,
	})
}

func (s *server) createRun(r *http.Request, req triggerRequest) (*runs.TestRun, error) {
	var lastErr error

	for attempt := 1; attempt <= createAttempts; attempt++ {
		run, err := s.runs.CreateRun(r.Context(), req.Brand, req.Environment)
		if err == nil {
			return run, nil
		}

		if !errors.Is(err, runs.ErrConflict) {
			return nil, err
		}

		lastErr = err

		s.log.WithField("attempt", attempt).Warn("Run id collision, retrying")
	}

	return nil, fmt.Errorf("creating run after %d attempts: %w", createAttempts, lastErr)
}

// handleGetResults returns a run with its artifacts resolved to URLs.
func (s *server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if err := checkQuery(q, resultsParams); err != nil {
		s.writeError(w, r, err)

		return
	}

	brand := q.Get("brand")
	if err := s.requireBrand(brand); err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.runs.GetRun(r.Context(), brand, chi.URLParam(r, "runId"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := resultsResponse{
		TestRun:   run,
		Artifacts: map[artifacts.Category][]artifacts.Artifact{},
	}

	log := s.log.WithFields(logrus.Fields{"brand": run.Brand, "run_id": run.RunID})

	// The run record is returned even when the artifact store fails.
	list, err := s.artifacts.Resolve(r.Context(), run.Brand, run.RunID, run.ArtifactRefs)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve artifacts")

		resp.ArtifactsError = artifactsUnavailable
	} else {
		resp.Artifacts = artifacts.Group(list)
	}

	resp.ReportURL, err = s.artifacts.ReportURL(r.Context(), run.Brand, run.RunID)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve report")

		resp.ArtifactsError = artifactsUnavailable
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListRuns returns a page of runs of a brand, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query, err := s.parseListQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.runs.ListRuns(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	list := res.Runs
	if list == nil {
		list = []runs.TestRun{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:       list,
		Count:      len(list),
		Limit:      query.Limit,
		NextCursor: res.NextCursor,
	})
}

// handleUpdateStatus applies a status report sent by a CI job.
func (s *server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if err := checkQuery(r.URL.Query(), nil); err != nil {
		s.writeError(w, r, err)

		return
	}

	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.requireBrand(req.Brand); err != nil {
		s.writeError(w, r, err)

		return
	}

	status, err := runs.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, validationError("unknown status %q", req.Status))

		return
	}

	runID := chi.URLParam(r, "runId")

	for _, ref := range req.ArtifactRefs {
		if err := artifacts.ValidateRunKey(req.Brand, runID, ref); err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	run, err := s.runs.UpdateRunStatus(r.Context(), req.Brand, runID, runs.StatusUpdate{
		Status:       status,
		ArtifactRefs: req.ArtifactRefs,
		CIRunID:      req.CIRunID,
		Conclusion:   req.Conclusion,
		Commit:       req.Commit,
		Actor:        req.Actor,
		Duration:     req.Duration,
		Tests:        req.Tests,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleWebhook applies GitHub workflow_run deliveries. Deliveries that
// cannot change a run are acknowledged so GitHub does not redeliver them.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	delivery, err := ci.ParseWorkflowRun(r, s.cfg.CI.GitHub.WebhookSecret)
	if err != nil {
		if errors.Is(err, ci.ErrIgnoredEvent) {
			writeJSON(w, http.StatusOK, messageResponse{Message: err.Error()})

			return
		}

		s.writeError(w, r, err)

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"brand":    delivery.Brand,
		"run_id":   delivery.RunID,
		"status":   delivery.Update.Status,
		"delivery": delivery.Delivery,
	})

	run, err := s.runs.UpdateRunStatus(r.Context(), delivery.Brand, delivery.RunID, delivery.Update)

	switch {
	case err == nil:
		log.Info("Applied workflow run update")
		writeJSON(w, http.StatusOK, messageResponse{
			Message: "updated",
			RunID:   run.RunID,
			Status:  run.Status,
		})
	case errors.Is(err, runs.ErrNotFound),
		errors.Is(err, runs.ErrInvalidTransition),
		errors.Is(err, runs.ErrInvalidArgument):
		log.WithError(err).Info("Ignoring workflow run update")
		writeJSON(w, http.StatusOK, messageResponse{Message: err.Error(), RunID: delivery.RunID})
	default:
		s.writeError(w, r, err)
	}
}

// handleFile serves artifacts of the local backend through signed URLs.
func (s *server) handleFile(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.artifacts.Backend().(artifacts.SignedFileServer)
	if !ok {
		s.writeError(w, r, &Error{Kind: KindNotFound, Message: "file serving is not enabled"})

		return
	}

	if err := fs.ServeSigned(w, r, chi.URLParam(r, "*")); err != nil {
		apiErr := toAPIError(err)
		if apiErr.Kind == KindNotFound {
			apiErr.Message = "file not found"
		}

		s.writeError(w, r, apiErr)
	}
}
