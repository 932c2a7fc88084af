// SPDX-License-Identifier: MIT

package storage

import "time"

// Timestamp layout used everywhere: RFC3339 UTC, second precision, Z suffix.
const TimeLayout = "2006-01-02T15:04:05Z"

// NowUTC returns the current time formatted for persistence.
func NowUTC() string {
	return FormatUTC(time.Now())
}

// FormatUTC formats t for persistence, truncating to second precision.
func FormatUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// ParseUTC parses a persisted timestamp. It accepts any RFC3339 string for
// backward compatibility with rows written by earlier tooling.
func ParseUTC(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
