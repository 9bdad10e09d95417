package util

import (
	"fmt"
	"regexp"
	"time"
)

var reCalendarDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseCalendarDate parses a strict YYYY-MM-DD date. User-supplied date
// bounds must pass through here before they reach a query.
func ParseCalendarDate(value string) (time.Time, error) {
	if !reCalendarDate.MatchString(value) {
		return time.Time{}, fmt.Errorf("not a calendar date: %q", value)
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a calendar date: %q", value)
	}
	return parsed, nil
}
