package ci

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

// EventWorkflowRun is the only webhook event that carries run status.
const EventWorkflowRun = "workflow_run"

var (
	// ErrInvalidWebhook is returned for payloads that fail signature or
	// content validation.
	ErrInvalidWebhook = errors.New("invalid webhook")

	// ErrIgnoredEvent is returned for well-formed deliveries that carry no
	// status change for a known run.
	ErrIgnoredEvent = errors.New("ignored webhook event")
)

var (
	runIDMarker = regexp.MustCompile(`\[runId:\s*([^\]]+)\]`)
	brandMarker = regexp.MustCompile(`\[brand:\s*([^\]]+)\]`)
)

// WorkflowRunUpdate is a status report extracted from a workflow_run
// delivery.
type WorkflowRunUpdate struct {
	Brand    string
	RunID    string
	Delivery string
	Update   runs.StatusUpdate
}

// ParseWorkflowRun validates a GitHub webhook delivery and maps it to a run
// status update. The run is identified by [runId: ..] and [brand: ..]
// markers in the workflow run title or, failing that, the head commit
// message. Deliveries are rejected when no secret is configured.
func ParseWorkflowRun(r *http.Request, secret string) (*WorkflowRunUpdate, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidWebhook)
	}

	payload, err := github.ValidatePayload(r, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}

	eventType := github.WebHookType(r)
	if eventType != EventWorkflowRun {
		return nil, fmt.Errorf("%w: event type %q", ErrIgnoredEvent, eventType)
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}

	event, ok := parsed.(*github.WorkflowRunEvent)
	if !ok || event.GetWorkflowRun() == nil {
		return nil, fmt.Errorf("%w: missing workflow_run", ErrInvalidWebhook)
	}

	return workflowRunUpdate(event, github.DeliveryID(r))
}

func workflowRunUpdate(event *github.WorkflowRunEvent, delivery string) (*WorkflowRunUpdate, error) {
	wr := event.GetWorkflowRun()

	status, ok := mapWorkflowStatus(event.GetAction(), wr.GetConclusion())
	if !ok {
		return nil, fmt.Errorf("%w: action %q", ErrIgnoredEvent, event.GetAction())
	}

	runID := findMarker(runIDMarker, wr.GetDisplayTitle(), wr.GetHeadCommit().GetMessage())
	brand := findMarker(brandMarker, wr.GetDisplayTitle(), wr.GetHeadCommit().GetMessage())

	if runID == "" || brand == "" {
		return nil, fmt.Errorf("%w: workflow run %d has no run markers", ErrIgnoredEvent, wr.GetID())
	}

	out := &WorkflowRunUpdate{
		Brand:    brand,
		RunID:    runID,
		Delivery: delivery,
		Update: runs.StatusUpdate{
			Status:     status,
			CIRunID:    fmt.Sprintf("%d", wr.GetID()),
			Conclusion: wr.GetConclusion(),
			Commit:     wr.GetHeadSHA(),
			Actor:      wr.GetTriggeringActor().GetLogin(),
		},
	}

	if out.Update.Actor == "" {
		out.Update.Actor = wr.GetActor().GetLogin()
	}

	if status.Terminal() {
		started := wr.GetRunStartedAt().Time
		if started.IsZero() {
			started = wr.GetCreatedAt().Time
		}

		if ended := wr.GetUpdatedAt().Time; !started.IsZero() && ended.After(started) {
			out.Update.Duration = int64(ended.Sub(started).Seconds())
		}
	}

	return out, nil
}

// mapWorkflowStatus translates a workflow_run action and conclusion into a
// run status. Actions that do not change the run report false.
func mapWorkflowStatus(action, conclusion string) (runs.Status, bool) {
	switch action {
	case "in_progress":
		return runs.StatusRunning, true
	case "completed":
	default:
		return "", false
	}

	switch conclusion {
	case "success":
		return runs.StatusPassed, true
	case "failure", "timed_out", "action_required":
		return runs.StatusFailed, true
	default:
		return runs.StatusError, true
	}
}

func findMarker(re *regexp.Regexp, sources ...string) string {
	for _, s := range sources {
		if m := re.FindStringSubmatch(s); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
	}

	return ""
}
