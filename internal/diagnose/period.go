// Package diagnose drives the Skill-first diagnosis flow: backfilling
// session mechanism sidecars from conversations and aggregating them into
// per-period incremental mechanism reports.
package diagnose

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var windowPattern = regexp.MustCompile(`^(\d+)d$`)

// ParseWindowToSince converts a rolling window expression into a since
// date. Empty, "all", and "all-time" mean no lower bound.
func ParseWindowToSince(window string, now time.Time) (string, error) {
	value := strings.ToLower(strings.TrimSpace(window))
	if value == "" || value == "all" || value == "all-time" {
		return "", nil
	}

	match := windowPattern.FindStringSubmatch(value)
	if match == nil {
		return "", errors.New("window must be like '30d' or 'all-time'")
	}
	days, err := strconv.Atoi(match[1])
	if err != nil || days <= 0 {
		return "", errors.New("window days must be positive")
	}
	return now.UTC().AddDate(0, 0, -days).Format("2006-01-02"), nil
}

// BuildPeriodID derives a deterministic period identifier from the
// effective date range or window.
func BuildPeriodID(since, until, window, explicit string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if since != "" || until != "" {
		left := since
		if left == "" {
			left = "open"
		}
		right := until
		if right == "" {
			right = "today"
		}
		return left + "_to_" + right
	}
	if window != "" {
		return "rolling_" + window
	}
	return "rolling_30d"
}
