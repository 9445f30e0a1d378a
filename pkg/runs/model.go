package runs

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a test run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusPassed,
	StatusFailed,
	StatusError,
}

const (
	// DefaultListLimit is the page size used when none is requested.
	DefaultListLimit = 25

	// MaxListLimit caps the page size regardless of the requested value.
	MaxListLimit = 100
)

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
	}

	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPassed, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusError
}

// CanTransition reports whether a run in status from may move to status to.
// Runs only move forward: pending may start running or finish directly,
// running may refresh itself or finish, and terminal runs never change.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}

	switch to {
	case StatusPending:
		return false
	case StatusRunning:
		return true
	default:
		return to.Terminal()
	}
}

// AllowedSources returns the statuses from which a transition to to is
// permitted. The result is used as the compare-and-set condition.
func AllowedSources(to Status) []Status {
	var out []Status

	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}

	return out
}

// TestSummary holds the per-run test counts reported by CI.
type TestSummary struct {
	Total   int `json:"total" dynamodbav:"total"`
	Passed  int `json:"passed" dynamodbav:"passed"`
	Failed  int `json:"failed" dynamodbav:"failed"`
	Skipped int `json:"skipped" dynamodbav:"skipped"`
}

// TestRun is one execution of the frontend suite for a brand/environment.
type TestRun struct {
	RunID        string       `json:"runId"`
	Brand        string       `json:"brand"`
	Environment  string       `json:"environment"`
	Status       Status       `json:"status"`
	StartedAt    time.Time    `json:"startedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ArtifactRefs []string     `json:"artifactRefs"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	CIRunID      string       `json:"ciRunId,omitempty"`
	Conclusion   string       `json:"conclusion,omitempty"`
	Commit       string       `json:"commit,omitempty"`
	Actor        string       `json:"actor,omitempty"`
	Duration     int64        `json:"duration,omitempty"`
	Tests        *TestSummary `json:"tests,omitempty"`
}

// Expired reports whether the run's retention has elapsed at now.
func (r *TestRun) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Keys returns the table and index keys of the run.
func (r *TestRun) Keys() Keys {
	return KeysFor(r.Brand, r.RunID, r.Status, r.StartedAt)
}

// StatusUpdate describes a status transition and the metadata reported
// alongside it. Empty optional fields leave the stored values untouched.
type StatusUpdate struct {
	Status       Status
	ArtifactRefs []string
	CIRunID      string
	Conclusion   string
	Commit       string
	Actor        string
	Duration     int64
	Tests        *TestSummary
}

// ListQuery selects runs of a brand, optionally restricted to one status
// and a start time range. StartedFrom and StartedTo are inclusive; a zero
// value leaves that side of the range open.
type ListQuery struct {
	Brand       string
	Status      Status
	StartedFrom time.Time
	StartedTo   time.Time
	Limit       int
	Cursor      string
}

// ListResult is one page of runs, newest first.
type ListResult struct {
	Runs       []TestRun
	NextCursor string
}

// ClampLimit bounds a requested page size to [1, MaxListLimit].
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}

func validateIdentity(brand, runID string) error {
	if err := validateBrand(brand); err != nil {
		return err
	}

	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidArgument)
	}

	if containsSeparator(runID) {
		return fmt.Errorf("%w: run id must not contain %q", ErrInvalidArgument, keySeparator)
	}

	return nil
}

func validateBrand(brand string) error {
	if brand == "" {
		return fmt.Errorf("%w: brand is required", ErrInvalidArgument)
	}

	if containsSeparator(brand) {
		return fmt.Errorf("%w: brand must not contain %q", ErrInvalidArgument, keySeparator)
	}

	return nil
}

func mergeRefs(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))

	for _, list := range [][]string{existing, added} {
		for _, ref := range list {
			if ref == "" {
				continue
			}

			if _, ok := seen[ref]; ok {
				continue
			}

			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}

	return out
}

func sortedRefs(refs []string) []string {
	out := append([]string(nil), refs...)
	sort.Strings(out)

	if out == nil {
		out = []string{}
	}

	return out
}
