package runs

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPK(t *testing.T) {
	assert.Equal(t, "RUN#mweb#r-1", RunPK("mweb", "r-1"))
}

func TestStatusGSI1PK(t *testing.T) {
	assert.Equal(t, "STATUS#webafrica#running", StatusGSI1PK("webafrica", StatusRunning))
}

func TestKeysFor(t *testing.T) {
	startedAt := time.Date(2026, 3, 1, 10, 30, 0, 5, time.FixedZone("SAST", 2*60*60))

	k := KeysFor("mweb", "r-1", StatusPassed, startedAt)

	assert.Equal(t, Keys{
		PK:     "RUN#mweb#r-1",
		SK:     "METADATA",
		GSI1PK: "STATUS#mweb#passed",
		GSI1SK: "2026-03-01T08:30:00.000000005Z",
	}, k)
	assert.Equal(t, map[string]string{
		"pk":     "RUN#mweb#r-1",
		"sk":     "METADATA",
		"gsi1pk": "STATUS#mweb#passed",
		"gsi1sk": "2026-03-01T08:30:00.000000005Z",
	}, k.Map())
}

func TestParseRunPK(t *testing.T) {
	tests := []struct {
		name      string
		pk        string
		wantBrand string
		wantRunID string
		wantErr   bool
	}{
		{name: "valid", pk: "RUN#mweb#r-1", wantBrand: "mweb", wantRunID: "r-1"},
		{name: "wrong prefix", pk: "STATUS#mweb#pending", wantErr: true},
		{name: "missing run id", pk: "RUN#mweb#", wantErr: true},
		{name: "extra segment", pk: "RUN#mweb#r#1", wantErr: true},
		{name: "empty", pk: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			brand, runID, err := ParseRunPK(tt.pk)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantBrand, brand)
			assert.Equal(t, tt.wantRunID, runID)
		})
	}
}

func TestParseRunPK_RoundTrip(t *testing.T) {
	brand, runID, err := ParseRunPK(RunPK("webafrica", "7c1f2a"))
	require.NoError(t, err)
	assert.Equal(t, "webafrica", brand)
	assert.Equal(t, "7c1f2a", runID)
}

func TestStartedAtGSI1SK_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(10 * time.Second),
		base.Add(time.Nanosecond),
		base,
		base.Add(900 * time.Millisecond),
		base.Add(24 * time.Hour),
	}

	keys := make([]string, 0, len(times))
	for _, ts := range times {
		keys = append(keys, StartedAtGSI1SK(ts))
	}

	sort.Strings(keys)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for i, ts := range times {
		assert.Equal(t, StartedAtGSI1SK(ts), keys[i])
	}
}

func TestParseTimestamp(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)

	got, err := ParseTimestamp(FormatTimestamp(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)
}
