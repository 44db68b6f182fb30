package sources

import (
	"time"

	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// IncrementalOverlap is re-read before the last successful pass so bookings
// edited during that pass are not missed.
const IncrementalOverlap = 5 * time.Minute

// ComputeWindow returns the query window for a pass starting at now.
func ComputeWindow(now time.Time, cfg models.SourceConfig, loc *time.Location, lastSuccess *time.Time, incremental bool) models.SyncWindow {
	if loc == nil {
		loc = time.UTC
	}

	if cfg.Window.Mode == models.WindowModeToday {
		local := now.In(loc)
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return models.SyncWindow{Start: start.UTC(), End: start.AddDate(0, 0, 1).UTC()}
	}

	multiplier := cfg.Window.LookbackMultiplier
	if multiplier <= 0 {
		multiplier = models.DefaultLookback
	}
	lookahead := cfg.Window.Lookahead
	if lookahead <= 0 {
		lookahead = models.DefaultLookahead
	}

	lookback := time.Duration(float64(cfg.PollInterval()) * multiplier)
	start := now.Add(-lookback)
	if incremental && lastSuccess != nil {
		if narrowed := lastSuccess.Add(-IncrementalOverlap); narrowed.After(start) && narrowed.Before(now) {
			start = narrowed
		}
	}
	return models.SyncWindow{Start: start.UTC(), End: now.Add(lookahead).UTC()}
}
