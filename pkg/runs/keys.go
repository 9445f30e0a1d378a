package runs

import (
	"fmt"
	"strings"
	"time"
)

// Attribute names of the run table and its status index.
const (
	AttrPK     = "pk"
	AttrSK     = "sk"
	AttrGSI1PK = "gsi1pk"
	AttrGSI1SK = "gsi1sk"
)

// Key prefixes and fixed sort keys.
const (
	PrefixRun    = "RUN"
	PrefixStatus = "STATUS"
	MetadataSK   = "METADATA"

	keySeparator = "#"
)

// TimestampLayout renders timestamps with fixed width so that their string
// order matches their chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Keys is the full key projection of a run record.
type Keys struct {
	PK     string
	SK     string
	GSI1PK string
	GSI1SK string
}

// RunPK returns the partition key of a run: RUN#{brand}#{runId}.
func RunPK(brand, runID string) string {
	return PrefixRun + keySeparator + brand + keySeparator + runID
}

// ParseRunPK splits a run partition key into brand and run id.
func ParseRunPK(pk string) (string, string, error) {
	parts := strings.Split(pk, keySeparator)
	if len(parts) != 3 || parts[0] != PrefixRun || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid run partition key %q", pk)
	}

	return parts[1], parts[2], nil
}

// StatusGSI1PK returns the index partition key: STATUS#{brand}#{status}.
func StatusGSI1PK(brand string, status Status) string {
	return PrefixStatus + keySeparator + brand + keySeparator + string(status)
}

// StartedAtGSI1SK returns the index sort key for a run start time.
func StartedAtGSI1SK(startedAt time.Time) string {
	return FormatTimestamp(startedAt)
}

// KeysFor maps run fields onto the table and index keys.
func KeysFor(brand, runID string, status Status, startedAt time.Time) Keys {
	return Keys{
		PK:     RunPK(brand, runID),
		SK:     MetadataSK,
		GSI1PK: StatusGSI1PK(brand, status),
		GSI1SK: StartedAtGSI1SK(startedAt),
	}
}

// Map returns the keys as attribute name to value.
func (k Keys) Map() map[string]string {
	return map[string]string{
		AttrPK:     k.PK,
		AttrSK:     k.SK,
		AttrGSI1PK: k.GSI1PK,
		AttrGSI1SK: k.GSI1SK,
	}
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

func containsSeparator(s string) bool {
	return strings.Contains(s, keySeparator)
}
