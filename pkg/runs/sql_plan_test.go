package runs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

type capturedQuery struct {
	sql  string
	vars []any
}

// captureListQueries records every SELECT against test_runs.
func captureListQueries(t *testing.T, db *gorm.DB) *[]capturedQuery {
	t.Helper()

	var got []capturedQuery

	err := db.Callback().Query().After("gorm:query").Register("test:capture", func(tx *gorm.DB) {
		if tx.Statement.Table != "test_runs" {
			return
		}

		got = append(got, capturedQuery{
			sql:  tx.Statement.SQL.String(),
			vars: append([]any(nil), tx.Statement.Vars...),
		})
	})
	require.NoError(t, err)

	return &got
}

func TestSQLStore_ListRunsUsesStatusIndex(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, ok := NewSQLStore(log, &config.RunStoreConfig{
		Driver:    config.RunStoreDriverSQLite,
		Retention: config.DefaultRetention,
		SQLite:    config.SQLiteConfig{Path: ":memory:"},
	}).(*sqlStore)
	require.True(t, ok)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	t.Cleanup(func() { _ = s.Stop() })

	_, err := s.CreateRun(ctx, "mweb", "prod")
	require.NoError(t, err)

	queries := captureListQueries(t, s.db)

	tests := []struct {
		name string
		q    ListQuery
	}{
		{name: "brand", q: ListQuery{Brand: "mweb"}},
		{name: "brand and status", q: ListQuery{Brand: "mweb", Status: StatusPending}},
		{name: "start time range", q: ListQuery{
			Brand:       "mweb",
			StartedFrom: time.Now().Add(-time.Hour),
			StartedTo:   time.Now().Add(time.Hour),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*queries = nil

			res, err := s.ListRuns(ctx, tt.q)
			require.NoError(t, err)
			assert.Len(t, res.Runs, 1)

			require.NotEmpty(t, *queries)
			list := (*queries)[0]

			assert.Contains(t, list.sql, "gsi1pk IN")
			assert.NotContains(t, list.sql, "brand =")
			assert.NotContains(t, list.sql, "status =")

			rows, err := s.db.WithContext(ctx).Raw("EXPLAIN QUERY PLAN "+list.sql, list.vars...).Rows()
			require.NoError(t, err)

			defer rows.Close()

			var details []string

			for rows.Next() {
				var (
					id, parent, unused int
					detail             string
				)

				require.NoError(t, rows.Scan(&id, &parent, &unused, &detail))

				details = append(details, detail)
			}

			require.NoError(t, rows.Err())
			assert.Contains(t, strings.Join(details, "\n"), "USING INDEX idx_test_runs_gsi1")
		})
	}
}
