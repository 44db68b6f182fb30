package orchestrator

import (
	"fmt"
	"time"

	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// Hours is a parsed daily operating window. The zero value is always open.
type Hours struct {
	start, end int // minutes after local midnight
	set        bool
}

func ParseHours(spec models.OperatingHours) (Hours, error) {
	if spec.Start == "" && spec.End == "" {
		return Hours{}, nil
	}
	start, err := parseClock(spec.Start)
	if err != nil {
		return Hours{}, fmt.Errorf("operating_hours.start: %w", err)
	}
	end, err := parseClock(spec.End)
	if err != nil {
		return Hours{}, fmt.Errorf("operating_hours.end: %w", err)
	}
	if start == end {
		return Hours{}, nil
	}
	return Hours{start: start, end: end, set: true}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t, already in the source timezone, falls inside
// the window. An End earlier than Start wraps past midnight.
func (h Hours) Contains(t time.Time) bool {
	if !h.set {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if h.start < h.end {
		return m >= h.start && m < h.end
	}
	return m >= h.start || m < h.end
}

// UntilOpen returns how long to wait from t until the window opens; zero
// when it is open now.
func (h Hours) UntilOpen(t time.Time) time.Duration {
	if h.Contains(t) {
		return 0
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), h.start/60, h.start%60, 0, 0, t.Location())
	if !open.After(t) {
		open = time.Date(t.Year(), t.Month(), t.Day()+1, h.start/60, h.start%60, 0, 0, t.Location())
	}
	return open.Sub(t)
}

func (h Hours) String() string {
	if !h.set {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", h.start/60, h.start%60, h.end/60, h.end%60)
}
