package transform

import (
	"strings"
	"time"
)

// ResolveLocal interprets the clock reading of wall as a local time in loc.
// Readings skipped by a daylight-saving jump return ErrNonexistentLocalTime;
// readings that occur twice return ErrAmbiguousLocalTime.
func ResolveLocal(wall time.Time, loc *time.Location) (time.Time, error) {
	naive := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)

	offsets := make(map[int]struct{}, 2)
	for _, delta := range []time.Duration{-36 * time.Hour, 0, 36 * time.Hour} {
		_, offset := naive.Add(delta).In(loc).Zone()
		offsets[offset] = struct{}{}
	}

	var matches []time.Time
	for offset := range offsets {
		candidate := naive.Add(-time.Duration(offset) * time.Second)
		if sameClock(candidate.In(loc), naive) {
			matches = append(matches, candidate)
		}
	}

	switch len(matches) {
	case 0:
		return time.Time{}, ErrNonexistentLocalTime
	case 1:
		return matches[0].In(loc), nil
	default:
		return time.Time{}, ErrAmbiguousLocalTime
	}
}

func sameClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second() && a.Nanosecond() == b.Nanosecond()
}

// hasZone reports whether a layout carries its own offset or zone name.
func hasZone(layout string) bool {
	for _, token := range []string{"Z07", "-07", "MST"} {
		if strings.Contains(layout, token) {
			return true
		}
	}
	return false
}

var defaultLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"20060102-1504",
}

// parseTimestamp parses value with the first matching layout. Zone-less
// layouts are resolved in loc.
func parseTimestamp(value string, layouts []string, loc *time.Location) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		if hasZone(layout) {
			t, err := time.Parse(layout, value)
			if err != nil {
				lastErr = err
				continue
			}
			return t, nil
		}
		wall, err := time.ParseInLocation(layout, value, time.UTC)
		if err != nil {
			lastErr = err
			continue
		}
		return ResolveLocal(wall, loc)
	}
	return time.Time{}, lastErr
}
