package orchestrator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

// SourceHealth separates a source that never synced from one that synced
// and simply has nothing scheduled.
type SourceHealth struct {
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Timezone       string                 `json:"timezone"`
	Interval       string                 `json:"interval"`
	OperatingHours string                 `json:"operating_hours"`
	OpenNow        bool                   `json:"open_now"`
	Running        bool                   `json:"running"`
	NeverSynced    bool                   `json:"never_synced"`
	Requests       int64                  `json:"requests"`
	State          models.SourceSyncState `json:"state"`
}

type HTTPHandler struct {
	orch *Orchestrator
	repo *worklist.Repository
	now  func() time.Time
}

func NewHTTPHandler(orch *Orchestrator, repo *worklist.Repository) *HTTPHandler {
	return &HTTPHandler{orch: orch, repo: repo, now: orch.deps.Now}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/sources", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/sources/{name}", h.handleGet).Methods(http.MethodGet)
}

func (h *HTTPHandler) health(r *http.Request) ([]SourceHealth, error) {
	ctx := r.Context()
	states, err := h.repo.SyncStates(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]models.SourceSyncState, len(states))
	for _, s := range states {
		byName[s.SourceName] = s
	}
	counts, err := h.repo.CountBySource(ctx)
	if err != nil {
		return nil, err
	}

	now := h.now()
	out := make([]SourceHealth, 0, len(h.orch.sources))
	for _, src := range h.orch.sources {
		state, ok := byName[src.Name()]
		if !ok {
			state = models.SourceSyncState{SourceName: src.Name()}
		}
		out = append(out, SourceHealth{
			Name:           src.Name(),
			Type:           src.Config.Type,
			Timezone:       src.Location.String(),
			Interval:       src.Config.PollInterval().String(),
			OperatingHours: src.Hours.String(),
			OpenNow:        src.Hours.Contains(now.In(src.Location)),
			Running:        h.orch.Running(src.Name()),
			NeverSynced:    state.LastSuccessAt == nil,
			Requests:       counts[src.Name()],
			State:          state,
		})
	}
	return out, nil
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	health, err := h.health(r)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load source health")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": health})
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	health, err := h.health(r)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load source health")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, s := range health {
		if s.Name == name {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	http.Error(w, "source not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
