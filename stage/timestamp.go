package stage

import (
	"fmt"
	"strings"
	"time"
)

const (
	// StorageLayout is the normalized form of every stored stage timestamp.
	StorageLayout = "2006-01-02 15:04:05"
	// InputLayout matches an HTML datetime-local control.
	InputLayout = "2006-01-02T15:04"
)

var acceptedLayouts = []string{
	InputLayout,
	"2006-01-02T15:04:05",
	StorageLayout,
	"2006-01-02 15:04",
}

// ParseLocal parses a naive local datetime. The result carries the wall clock
// in UTC so it round-trips through a timestamp-without-time-zone column
// unchanged.
func ParseLocal(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range acceptedLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("stage: unrecognized datetime %q", value)
}

// WallClock drops the zone of t, keeping its local reading to the second.
func WallClock(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func FormatStorage(t time.Time) string { return t.Format(StorageLayout) }

func FormatInput(t time.Time) string { return t.Format(InputLayout) }

func formatStoragePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := FormatStorage(*t)
	return &s
}

func formatInputPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatInput(*t)
}
