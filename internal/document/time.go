package document

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	isoSeconds      = "2006-01-02T15:04:05-07:00"
	isoMicroseconds = "2006-01-02T15:04:05.000000-07:00"
)

// ErrInvalidTimestamp is returned when a value cannot be read as an ISO 8601 instant.
var ErrInvalidTimestamp = errors.New("invalid ISO 8601 timestamp")

var parseLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// FormatTime renders t as ISO 8601 with an explicit numeric offset, e.g.
// 2026-02-16T08:00:00+00:00. Microseconds are included only when non-zero.
func FormatTime(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) != 0 {
		return t.Format(isoMicroseconds)
	}

	return t.Format(isoSeconds)
}

// ParseTime reads an ISO 8601 instant. A trailing Z means UTC and values without an offset
// are taken to be UTC.
func ParseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	for _, layout := range parseLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
}

// AsTime converts a row value into an instant. Strings are parsed, time.Time values are
// returned as-is and anything else reports ok=false.
func AsTime(value any) (t time.Time, ok bool, err error) {
	switch v := value.(type) {
	case time.Time:
		return v, true, nil
	case string:
		parsed, err := ParseTime(v)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed, true, nil
	default:
		return time.Time{}, false, nil
	}
}
