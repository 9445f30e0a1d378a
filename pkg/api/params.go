package api

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

// Query parameters accepted per endpoint. Anything else is rejected before
// the request reaches a store.
var (
	resultsParams = []string{"brand"}
	runsParams    = []string{"brand", "status", "limit", "cursor", "startDate", "endDate"}
)

// dateLayout is the day-only form accepted by startDate and endDate.
const dateLayout = "2006-01-02"

// checkQuery rejects parameters outside allowed and repeated parameters.
func checkQuery(q url.Values, allowed []string) error {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if !slices.Contains(allowed, name) {
			return validationError("unsupported query parameter %q", name)
		}

		if len(q[name]) > 1 {
			return validationError("query parameter %q given more than once", name)
		}
	}

	return nil
}

// requireBrand returns the brand parameter if it names a configured brand.
func (s *server) requireBrand(brand string) error {
	if brand == "" {
		return validationError("brand is required")
	}

	if _, ok := s.cfg.Brand(brand); !ok {
		return validationError("unknown brand %q", brand)
	}

	return nil
}

// parseListQuery validates GET /runs parameters into a store query.
func (s *server) parseListQuery(q url.Values) (runs.ListQuery, error) {
	if err := checkQuery(q, runsParams); err != nil {
		return runs.ListQuery{}, err
	}

	out := runs.ListQuery{
		Brand:  q.Get("brand"),
		Cursor: q.Get("cursor"),
		Limit:  runs.DefaultListLimit,
	}

	if err := s.requireBrand(out.Brand); err != nil {
		return runs.ListQuery{}, err
	}

	if raw := q.Get("status"); raw != "" {
		status, err := runs.ParseStatus(raw)
		if err != nil {
			return runs.ListQuery{}, validationError("unknown status %q", raw)
		}

		out.Status = status
	}

	from, err := parseRangeBound(q.Get("startDate"), false)
	if err != nil {
		return runs.ListQuery{}, validationError("startDate: %v", err)
	}

	to, err := parseRangeBound(q.Get("endDate"), true)
	if err != nil {
		return runs.ListQuery{}, validationError("endDate: %v", err)
	}

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return runs.ListQuery{}, validationError("startDate is after endDate")
	}

	out.StartedFrom, out.StartedTo = from, to

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return runs.ListQuery{}, validationError("limit must be a positive integer")
		}

		out.Limit = runs.ClampLimit(n)
	}

	return out, nil
}

// parseRangeBound parses an RFC 3339 timestamp or a YYYY-MM-DD date. A date
// used as an end bound covers the whole day.
func parseRangeBound(raw string, end bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor an RFC 3339 timestamp", raw)
	}

	if end {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}

	return day, nil
}
