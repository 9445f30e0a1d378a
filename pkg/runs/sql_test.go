package runs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64

	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func setupTestStore(t *testing.T, opts ...runs.Option) (runs.Store, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	cfg := &config.RunStoreConfig{
		Driver:    config.RunStoreDriverSQLite,
		Retention: config.DefaultRetention,
		SQLite:    config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	opts = append([]runs.Option{
		runs.WithClock(clock.Now),
		runs.WithIDGenerator(sequentialIDs("r")),
	}, opts...)

	s, err := runs.NewStore(log, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s, clock
}

func TestSQLStore_Lifecycle(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)
	assert.Equal(t, "r-1", run.RunID)
	assert.Equal(t, runs.StatusPending, run.Status)
	assert.Empty(t, run.ArtifactRefs)
	assert.Nil(t, run.CompletedAt)
	assert.True(t, run.ExpiresAt.Equal(clock.Now().Add(config.DefaultRetention)))

	clock.Advance(time.Minute)

	running, err := s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{
		Status:  runs.StatusRunning,
		CIRunID: "123456",
	})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, running.Status)
	assert.Equal(t, "123456", running.CIRunID)
	assert.Nil(t, running.CompletedAt)
	assert.True(t, running.StartedAt.Equal(run.StartedAt))

	clock.Advance(time.Minute)

	passed, err := s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{
		Status:       runs.StatusPassed,
		ArtifactRefs: []string{"reports/mweb/prod/r-1/index.html", "screenshots/mweb/prod/r-1/a.png"},
		Conclusion:   "success",
		Duration:     95,
		Tests:        &runs.TestSummary{Total: 10, Passed: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPassed, passed.Status)
	require.NotNil(t, passed.CompletedAt)
	assert.True(t, passed.CompletedAt.Equal(clock.Now()))
	assert.ElementsMatch(t, []string{
		"reports/mweb/prod/r-1/index.html",
		"screenshots/mweb/prod/r-1/a.png",
	}, passed.ArtifactRefs)
	assert.Equal(t, "123456", passed.CIRunID)
	assert.Equal(t, &runs.TestSummary{Total: 10, Passed: 10}, passed.Tests)

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: runs.StatusRunning})
	require.Error(t, err)
	assert.True(t, errors.Is(err, runs.ErrInvalidTransition))

	var terr *runs.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, runs.StatusPassed, terr.From)

	got, err := s.GetRun(ctx, "mweb", "r-1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPassed, got.Status)
	assert.Len(t, got.ArtifactRefs, 2)
}

func TestSQLStore_PendingToTerminal(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "webafrica", "staging")
	require.NoError(t, err)

	run, err := s.UpdateRunStatus(ctx, "webafrica", "r-1", runs.StatusUpdate{Status: runs.StatusError})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusError, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestSQLStore_RejectsBackToPending(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: runs.StatusPending})
	assert.True(t, errors.Is(err, runs.ErrInvalidTransition))

	_, err = s.UpdateRunStatus(ctx, "mweb", "missing", runs.StatusUpdate{Status: runs.StatusPending})
	assert.True(t, errors.Is(err, runs.ErrNotFound))
}

func TestSQLStore_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	_, err = s.GetRun(ctx, "webafrica", "r-1")
	assert.True(t, errors.Is(err, runs.ErrNotFound))

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-404", runs.StatusUpdate{Status: runs.StatusRunning})
	assert.True(t, errors.Is(err, runs.ErrNotFound))

	_, err = s.AppendArtifacts(ctx, "mweb", "r-404", []string{"reports/x"})
	assert.True(t, errors.Is(err, runs.ErrNotFound))
}

func TestSQLStore_ConflictOnDuplicateID(t *testing.T) {
	s, _ := setupTestStore(t, runs.WithIDGenerator(func() string { return "fixed" }))
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	_, err = s.CreateRun(ctx, "mweb", "prod")
	assert.True(t, errors.Is(err, runs.ErrConflict))

	// The same id under another brand is a distinct key.
	_, err = s.CreateRun(ctx, "webafrica", "prod")
	require.NoError(t, err)
}

func TestSQLStore_InvalidArguments(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "", "prod")
	assert.True(t, errors.Is(err, runs.ErrInvalidArgument))

	_, err = s.CreateRun(ctx, "m#web", "prod")
	assert.True(t, errors.Is(err, runs.ErrInvalidArgument))

	_, err = s.CreateRun(ctx, "mweb", "")
	assert.True(t, errors.Is(err, runs.ErrInvalidArgument))

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: "done"})
	assert.True(t, errors.Is(err, runs.ErrInvalidArgument))

	_, err = s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Status: "done"})
	assert.True(t, errors.Is(err, runs.ErrInvalidArgument))
}

func TestSQLStore_ArtifactRefsAccumulate(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	_, err = s.AppendArtifacts(ctx, "mweb", "r-1", []string{"videos/mweb/prod/r-1/a.webm"})
	require.NoError(t, err)

	run, err := s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{
		Status:       runs.StatusRunning,
		ArtifactRefs: []string{"videos/mweb/prod/r-1/a.webm", "traces/mweb/prod/r-1/t.zip"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"traces/mweb/prod/r-1/t.zip", "videos/mweb/prod/r-1/a.webm"}, run.ArtifactRefs)

	// Terminal runs still accept artifact uploads.
	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: runs.StatusFailed})
	require.NoError(t, err)

	run, err = s.AppendArtifacts(ctx, "mweb", "r-1", []string{"reports/mweb/prod/r-1/index.html"})
	require.NoError(t, err)
	assert.Len(t, run.ArtifactRefs, 3)
	assert.Equal(t, runs.StatusFailed, run.Status)
}

func TestSQLStore_Expiry(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	clock.Advance(config.DefaultRetention + time.Second)

	_, err = s.GetRun(ctx, "mweb", "r-1")
	assert.True(t, errors.Is(err, runs.ErrNotFound))

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: runs.StatusRunning})
	assert.True(t, errors.Is(err, runs.ErrNotFound))

	res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb"})
	require.NoError(t, err)
	assert.Empty(t, res.Runs)
	assert.Empty(t, res.NextCursor)
}

func TestSQLStore_ListRuns(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	// r-1..r-5 for mweb, one minute apart, plus one webafrica run.
	for i := 0; i < 5; i++ {
		_, err := s.CreateRun(ctx, "mweb", "prod")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	_, err := s.CreateRun(ctx, "webafrica", "prod")
	require.NoError(t, err)

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-2", runs.StatusUpdate{Status: runs.StatusPassed})
	require.NoError(t, err)
	_, err = s.UpdateRunStatus(ctx, "mweb", "r-4", runs.StatusUpdate{Status: runs.StatusPassed})
	require.NoError(t, err)

	t.Run("brand only newest first", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-5", "r-4", "r-3", "r-2", "r-1"}, runIDs(res.Runs))
		assert.Empty(t, res.NextCursor)
	})

	t.Run("status filter", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Status: runs.StatusPassed})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-4", "r-2"}, runIDs(res.Runs))

		for _, r := range res.Runs {
			assert.Equal(t, "mweb", r.Brand)
			assert.Equal(t, runs.StatusPassed, r.Status)
		}
	})

	t.Run("pages", func(t *testing.T) {
		var seen []string

		cursor := ""

		for i := 0; i < 5; i++ {
			res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Limit: 2, Cursor: cursor})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(res.Runs), 2)

			seen = append(seen, runIDs(res.Runs)...)
			cursor = res.NextCursor

			if cursor == "" {
				break
			}
		}

		assert.Equal(t, []string{"r-5", "r-4", "r-3", "r-2", "r-1"}, seen)
	})

	t.Run("cursor bound to query", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Limit: 1})
		require.NoError(t, err)
		require.NotEmpty(t, res.NextCursor)

		_, err = s.ListRuns(ctx, runs.ListQuery{Brand: "webafrica", Cursor: res.NextCursor})
		assert.True(t, errors.Is(err, runs.ErrInvalidCursor))
	})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("start time range is inclusive", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{
			Brand:       "mweb",
			StartedFrom: base.Add(time.Minute),
			StartedTo:   base.Add(3 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-4", "r-3", "r-2"}, runIDs(res.Runs))
	})

	t.Run("open ended ranges", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", StartedTo: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-2", "r-1"}, runIDs(res.Runs))

		res, err = s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Status: runs.StatusPassed, StartedFrom: base.Add(2 * time.Minute)})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-4"}, runIDs(res.Runs))
	})

	t.Run("range pages and binds the cursor", func(t *testing.T) {
		q := runs.ListQuery{
			Brand:       "mweb",
			StartedFrom: base.Add(time.Minute),
			StartedTo:   base.Add(3 * time.Minute),
			Limit:       2,
		}

		first, err := s.ListRuns(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"r-4", "r-3"}, runIDs(first.Runs))
		require.NotEmpty(t, first.NextCursor)

		q.Cursor = first.NextCursor

		second, err := s.ListRuns(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []string{"r-2"}, runIDs(second.Runs))
		assert.Empty(t, second.NextCursor)

		_, err = s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", Cursor: first.NextCursor})
		assert.True(t, errors.Is(err, runs.ErrInvalidCursor))
	})

	t.Run("inverted range", func(t *testing.T) {
		_, err := s.ListRuns(ctx, runs.ListQuery{Brand: "mweb", StartedFrom: base.Add(time.Hour), StartedTo: base})
		assert.True(t, errors.Is(err, runs.ErrInvalidArgument))
	})

	t.Run("unknown brand", func(t *testing.T) {
		res, err := s.ListRuns(ctx, runs.ListQuery{Brand: "other"})
		require.NoError(t, err)
		assert.Empty(t, res.Runs)
	})
}

func TestSQLStore_ConcurrentTerminalUpdates(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	_, err = s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: runs.StatusRunning})
	require.NoError(t, err)

	targets := []runs.Status{runs.StatusPassed, runs.StatusFailed, runs.StatusError, runs.StatusPassed}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)

	for _, to := range targets {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.UpdateRunStatus(ctx, "mweb", "r-1", runs.StatusUpdate{Status: to})

			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, runs.ErrInvalidTransition):
				rejected.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(len(targets)-1), rejected.Load())
}

func runIDs(list []runs.TestRun) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, r.RunID)
	}

	return out
}
