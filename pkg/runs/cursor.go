package runs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// singlePartition names the only partition of stores that can order a
// brand's runs in one query.
const singlePartition = "all"

// cursorState is the decoded form of an opaque list cursor. A cursor is
// bound to the brand, status and time range of the query that produced it.
type cursorState struct {
	Brand      string                     `json:"b"`
	Status     string                     `json:"s,omitempty"`
	From       string                     `json:"f,omitempty"`
	To         string                     `json:"t,omitempty"`
	Partitions map[string]partitionCursor `json:"p"`
}

// partitionCursor tracks where listing resumes within one partition.
type partitionCursor struct {
	After map[string]string `json:"a,omitempty"`
	Done  bool              `json:"d,omitempty"`
}

func newCursorState(q ListQuery) cursorState {
	return cursorState{
		Brand:      q.Brand,
		Status:     string(q.Status),
		From:       rangeBound(q.StartedFrom),
		To:         rangeBound(q.StartedTo),
		Partitions: make(map[string]partitionCursor),
	}
}

// rangeBound renders a start time bound as an index sort key, or "" for an
// open bound.
func rangeBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return StartedAtGSI1SK(t)
}

// encodeCursor returns an opaque cursor, or "" when every partition is
// exhausted.
func encodeCursor(state cursorState) (string, error) {
	exhausted := true

	for _, p := range state.Partitions {
		if !p.Done {
			exhausted = false

			break
		}
	}

	if exhausted {
		return "", nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeCursor decodes raw for the given query. An empty cursor yields a
// fresh state.
func decodeCursor(raw string, q ListQuery) (cursorState, error) {
	if raw == "" {
		return newCursorState(q), nil
	}

	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return cursorState{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var state cursorState
	if err := json.Unmarshal(data, &state); err != nil {
		return cursorState{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	want := newCursorState(q)
	if state.Brand != want.Brand || state.Status != want.Status || state.From != want.From || state.To != want.To {
		return cursorState{}, fmt.Errorf("%w: cursor belongs to a different query", ErrInvalidCursor)
	}

	if state.Partitions == nil {
		state.Partitions = make(map[string]partitionCursor)
	}

	for partition, c := range state.Partitions {
		if err := checkPartitionCursor(q, partition, c); err != nil {
			return cursorState{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
	}

	return state, nil
}

// checkPartitionCursor verifies that a decoded continuation key is a full
// run key lying in the partition it is filed under.
func checkPartitionCursor(q ListQuery, partition string, c partitionCursor) error {
	var allowed []Status

	switch {
	case partition == singlePartition && q.Status != "":
		allowed = []Status{q.Status}
	case partition == singlePartition:
		allowed = AllStatuses
	case Status(partition).Valid() && (q.Status == "" || Status(partition) == q.Status):
		allowed = []Status{Status(partition)}
	default:
		return fmt.Errorf("unknown partition %q", partition)
	}

	if len(c.After) == 0 {
		return nil
	}

	if len(c.After) != 4 {
		return fmt.Errorf("partition %q: malformed key", partition)
	}

	for _, attr := range []string{AttrPK, AttrSK, AttrGSI1PK, AttrGSI1SK} {
		if _, ok := c.After[attr]; !ok {
			return fmt.Errorf("partition %q: missing %s", partition, attr)
		}
	}

	if c.After[AttrSK] != MetadataSK {
		return fmt.Errorf("partition %q: unexpected sort key", partition)
	}

	brand, _, err := ParseRunPK(c.After[AttrPK])
	if err != nil || brand != q.Brand {
		return fmt.Errorf("partition %q: key of another brand", partition)
	}

	if _, err := ParseTimestamp(c.After[AttrGSI1SK]); err != nil {
		return fmt.Errorf("partition %q: %w", partition, err)
	}

	partitionKeys := make([]string, 0, len(allowed))
	for _, st := range allowed {
		partitionKeys = append(partitionKeys, StatusGSI1PK(q.Brand, st))
	}

	if !slices.Contains(partitionKeys, c.After[AttrGSI1PK]) {
		return fmt.Errorf("partition %q: key of another partition", partition)
	}

	return nil
}

// partitionPage is one fetched page of a partition, ordered newest first.
type partitionPage struct {
	Partition string
	Runs      []TestRun
	// Next is the key to resume the partition from after the last fetched
	// run, or nil when the partition has nothing beyond this page.
	Next map[string]string
}

// mergePages takes the newest limit runs across pages and advances state so
// that the following page starts right after the last run returned.
//
// A run is only emitted when no unfetched run of another partition can be
// newer than it, so the result may be shorter than limit while partitions
// remain. Callers fetch again until the page fills or the cursor exhausts.
func mergePages(pages []partitionPage, limit int, state cursorState) ([]TestRun, cursorState) {
	type candidate struct {
		page int
		run  TestRun
		keys Keys
	}

	var frontiers []Keys

	for _, p := range pages {
		if p.Next != nil {
			frontiers = append(frontiers, Keys{PK: p.Next[AttrPK], GSI1SK: p.Next[AttrGSI1SK]})
		}
	}

	var all []candidate

	for i, p := range pages {
		for _, r := range p.Runs {
			k := r.Keys()
			if !atOrAfterFrontiers(k, frontiers) {
				continue
			}

			all = append(all, candidate{page: i, run: r, keys: k})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return newerThan(all[i].keys, all[j].keys)
	})

	if len(all) > limit {
		all = all[:limit]
	}

	taken := make([]int, len(pages))
	lastKeys := make([]map[string]string, len(pages))
	out := make([]TestRun, 0, len(all))

	for _, c := range all {
		out = append(out, c.run)
		taken[c.page]++
		lastKeys[c.page] = c.keys.Map()
	}

	for i, p := range pages {
		next := state.Partitions[p.Partition]

		switch {
		case taken[i] == len(p.Runs):
			next = partitionCursor{After: p.Next, Done: p.Next == nil}
		case taken[i] > 0:
			next = partitionCursor{After: lastKeys[i]}
		}

		state.Partitions[p.Partition] = next
	}

	return out, state
}

// newerThan orders keys by start time, then partition key, both descending.
func newerThan(a, b Keys) bool {
	if a.GSI1SK != b.GSI1SK {
		return a.GSI1SK > b.GSI1SK
	}

	return a.PK > b.PK
}

func atOrAfterFrontiers(k Keys, frontiers []Keys) bool {
	for _, f := range frontiers {
		if newerThan(f, k) {
			return false
		}
	}

	return true
}
