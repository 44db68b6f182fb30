package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synaptica-ai/worklist/pkg/common/models"
)

type sourceCounters struct {
	polls          atomic.Int64
	pollFailures   atomic.Int64
	fetched        atomic.Int64
	created        atomic.Int64
	updated        atomic.Int64
	unchanged      atomic.Int64
	retired        atomic.Int64
	skipped        atomic.Int64
	conflicts      atomic.Int64
	lastDurationMs atomic.Int64
	lastSuccessUnx atomic.Int64
}

var (
	sources          sync.Map // source name -> *sourceCounters
	equipmentApplied atomic.Int64
	equipmentDenied  atomic.Int64
)

// SourceSnapshot is a point-in-time copy of one source's counters.
type SourceSnapshot struct {
	Polls          int64 `json:"polls"`
	PollFailures   int64 `json:"poll_failures"`
	Fetched        int64 `json:"fetched"`
	Created        int64 `json:"created"`
	Updated        int64 `json:"updated"`
	Unchanged      int64 `json:"unchanged"`
	Retired        int64 `json:"retired"`
	Skipped        int64 `json:"skipped"`
	Conflicts      int64 `json:"conflicts"`
	LastDurationMs int64 `json:"last_duration_ms"`
	LastSuccessUnx int64 `json:"last_success_unix"`
}

func counters(source string) *sourceCounters {
	if c, ok := sources.Load(source); ok {
		return c.(*sourceCounters)
	}
	c, _ := sources.LoadOrStore(source, &sourceCounters{})
	return c.(*sourceCounters)
}

func ObservePoll(summary models.PollSummary) {
	c := counters(summary.Source)
	c.polls.Add(1)
	c.fetched.Add(int64(summary.Fetched))
	c.created.Add(int64(summary.Created))
	c.updated.Add(int64(summary.Updated))
	c.unchanged.Add(int64(summary.Unchanged))
	c.retired.Add(int64(summary.Retired))
	c.skipped.Add(int64(summary.Skipped))
	c.conflicts.Add(int64(summary.Conflicts))
	c.lastDurationMs.Store(summary.Duration.Milliseconds())
	c.lastSuccessUnx.Store(time.Now().Unix())
}

func ObservePollFailure(source string) {
	c := counters(source)
	c.polls.Add(1)
	c.pollFailures.Add(1)
}

func ObserveEquipmentTransition(applied bool) {
	if applied {
		equipmentApplied.Add(1)
		return
	}
	equipmentDenied.Add(1)
}

func Snapshot() map[string]SourceSnapshot {
	out := make(map[string]SourceSnapshot)
	sources.Range(func(key, value interface{}) bool {
		c := value.(*sourceCounters)
		out[key.(string)] = SourceSnapshot{
			Polls:          c.polls.Load(),
			PollFailures:   c.pollFailures.Load(),
			Fetched:        c.fetched.Load(),
			Created:        c.created.Load(),
			Updated:        c.updated.Load(),
			Unchanged:      c.unchanged.Load(),
			Retired:        c.retired.Load(),
			Skipped:        c.skipped.Load(),
			Conflicts:      c.conflicts.Load(),
			LastDurationMs: c.lastDurationMs.Load(),
			LastSuccessUnx: c.lastSuccessUnx.Load(),
		}
		return true
	})
	return out
}

// Reset clears every counter. Used by tests.
func Reset() {
	sources.Range(func(key, _ interface{}) bool {
		sources.Delete(key)
		return true
	})
	equipmentApplied.Store(0)
	equipmentDenied.Store(0)
}

type family struct {
	name string
	kind string
	help string
	pick func(SourceSnapshot) int64
}

var families = []family{
	{"worklist_sync_polls_total", "counter", "Poll passes attempted per source.", func(s SourceSnapshot) int64 { return s.Polls }},
	{"worklist_sync_poll_failures_total", "counter", "Poll passes that failed per source.", func(s SourceSnapshot) int64 { return s.PollFailures }},
	{"worklist_sync_records_fetched_total", "counter", "Raw records fetched per source.", func(s SourceSnapshot) int64 { return s.Fetched }},
	{"worklist_sync_requests_created_total", "counter", "Requests created per source.", func(s SourceSnapshot) int64 { return s.Created }},
	{"worklist_sync_requests_updated_total", "counter", "Requests updated per source.", func(s SourceSnapshot) int64 { return s.Updated }},
	{"worklist_sync_requests_unchanged_total", "counter", "Records skipped as unchanged per source.", func(s SourceSnapshot) int64 { return s.Unchanged }},
	{"worklist_sync_requests_retired_total", "counter", "Requests retired after disappearing per source.", func(s SourceSnapshot) int64 { return s.Retired }},
	{"worklist_sync_records_skipped_total", "counter", "Records rejected by the transformer or filters per source.", func(s SourceSnapshot) int64 { return s.Skipped }},
	{"worklist_sync_conflicts_total", "counter", "Sync transitions overridden by equipment per source.", func(s SourceSnapshot) int64 { return s.Conflicts }},
	{"worklist_sync_last_duration_ms", "gauge", "Duration of the latest successful pass.", func(s SourceSnapshot) int64 { return s.LastDurationMs }},
	{"worklist_sync_last_success_unix", "gauge", "Unix time of the latest successful pass.", func(s SourceSnapshot) int64 { return s.LastSuccessUnx }},
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snap := Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, f := range families {
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.kind)
		for _, name := range names {
			fmt.Fprintf(w, "%s{source=%q} %d\n", f.name, name, f.pick(snap[name]))
		}
	}

	fmt.Fprintf(w, "# HELP worklist_equipment_transitions_applied_total Equipment transitions applied.\n")
	fmt.Fprintf(w, "# TYPE worklist_equipment_transitions_applied_total counter\n")
	fmt.Fprintf(w, "worklist_equipment_transitions_applied_total %d\n", equipmentApplied.Load())

	fmt.Fprintf(w, "# HELP worklist_equipment_transitions_rejected_total Equipment transitions rejected.\n")
	fmt.Fprintf(w, "# TYPE worklist_equipment_transitions_rejected_total counter\n")
	fmt.Fprintf(w, "worklist_equipment_transitions_rejected_total %d\n", equipmentDenied.Load())
}
