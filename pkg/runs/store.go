// Package runs stores test run records and enforces their status lifecycle.
package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
)

// Store is the persistence interface for test runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// CreateRun inserts a pending run with a freshly generated id.
	// Returns ErrConflict if the id already exists.
	CreateRun(ctx context.Context, brand, environment string) (*TestRun, error)

	// UpdateRunStatus moves a run to update.Status if the move is allowed
	// from the stored status. The check and the write are one atomic step.
	UpdateRunStatus(ctx context.Context, brand, runID string, update StatusUpdate) (*TestRun, error)

	// AppendArtifacts adds artifact references without changing status.
	AppendArtifacts(ctx context.Context, brand, runID string, refs []string) (*TestRun, error)

	// GetRun reads a run. Expired runs are reported as ErrNotFound.
	GetRun(ctx context.Context, brand, runID string) (*TestRun, error)

	// ListRuns returns runs of a brand, newest first.
	ListRuns(ctx context.Context, q ListQuery) (*ListResult, error)
}

// Option customizes a store.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: uuid.NewString,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// NewStore creates the store selected by cfg.Driver.
func NewStore(log logrus.FieldLogger, cfg *config.RunStoreConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case config.RunStoreDriverDynamoDB:
		return NewDynamoDBStore(log, cfg, nil, opts...), nil
	case config.RunStoreDriverSQLite, config.RunStoreDriverPostgres:
		return NewSQLStore(log, cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported run store driver %q", cfg.Driver)
	}
}

func newPendingRun(o options, retention time.Duration, brand, environment string) *TestRun {
	now := o.now().UTC()

	return &TestRun{
		RunID:        o.newID(),
		Brand:        brand,
		Environment:  environment,
		Status:       StatusPending,
		StartedAt:    now,
		UpdatedAt:    now,
		ArtifactRefs: []string{},
		ExpiresAt:    now.Add(retention).Truncate(time.Second),
	}
}

func validateCreate(brand, environment string) error {
	if err := validateBrand(brand); err != nil {
		return err
	}

	if environment == "" {
		return fmt.Errorf("%w: environment is required", ErrInvalidArgument)
	}

	return nil
}

func normalizeListQuery(q ListQuery) (ListQuery, error) {
	if err := validateBrand(q.Brand); err != nil {
		return q, err
	}

	if q.Status != "" && !q.Status.Valid() {
		return q, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, q.Status)
	}

	if !q.StartedFrom.IsZero() && !q.StartedTo.IsZero() && q.StartedFrom.After(q.StartedTo) {
		return q, fmt.Errorf("%w: start of range is after its end", ErrInvalidArgument)
	}

	q.Limit = ClampLimit(q.Limit)

	return q, nil
}
