package socrata

import (
	"fmt"
	"strings"
	"time"
)

// FloatingTimestampLayout is the canonical text form of a Socrata floating
// timestamp, a wall-clock time without zone information.
const FloatingTimestampLayout = "2006-01-02T15:04:05.000"

// parseLayouts accept the canonical form with any fractional precision, with or
// without the 'T' separator.
var parseLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseFloatingTimestamp parses a floating timestamp. The result is in UTC and
// carries no zone meaning beyond that.
func ParseFloatingTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid floating timestamp %q", s)
}

// FormatFloatingTimestamp renders t in the canonical floating form
func FormatFloatingTimestamp(t time.Time) string {
	return t.Format(FloatingTimestampLayout)
}
