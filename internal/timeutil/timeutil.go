// Package timeutil parses and formats the ISO-8601 timestamps the
// provider uses for session expiry and deprecation. All values are
// normalized to UTC so expiry comparisons are zone independent.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Accepted layouts, tried in order. The provider emits RFC 3339, but
// older records may lack a zone designator; those are taken as UTC.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parse parses an ISO-8601 timestamp and returns it in UTC.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Format renders t as an RFC 3339 UTC timestamp.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
