package equipment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/procedure"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/worklist", h.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/steps/begin", h.handleBegin).Methods(http.MethodPost)
	r.HandleFunc("/steps/end", h.handleEnd).Methods(http.MethodPost)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RequestFilter{
		SourceName:       q.Get("source"),
		SubjectID:        q.Get("subject_id"),
		SubjectName:      q.Get("subject_name"),
		AccessionNumber:  q.Get("accession_number"),
		StudyInstanceUID: q.Get("study_instance_uid"),
		Modality:         q.Get("modality"),
		StationAETitle:   q.Get("station_ae_title"),
		DateFrom:         q.Get("date_from"),
		DateTo:           q.Get("date_to"),
		Limit:            parseLimit(r, 500),
	}
	if day := q.Get("date"); day != "" {
		filter.DateFrom, filter.DateTo = day, day
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := models.ParseProcedureStatus(part)
			if !ok {
				http.Error(w, "invalid status "+part, http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	items, err := h.service.Query(r.Context(), filter)
	if err != nil {
		logger.Log.WithError(err).Error("failed to query worklist")
		http.Error(w, "failed to query worklist", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	var step BeginStep
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	res, err := h.service.BeginStep(r.Context(), step)
	if err != nil {
		writeStepError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var step EndStep
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	res, err := h.service.EndStep(r.Context(), step)
	if err != nil {
		writeStepError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeStepError(w http.ResponseWriter, err error) {
	var (
		conflict   *procedure.ConflictError
		transition *procedure.TransitionError
	)
	switch {
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrInvalidOutcome):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownStep):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &conflict), errors.As(err, &transition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error("failed to apply procedure step")
		http.Error(w, "failed to apply procedure step", http.StatusInternalServerError)
	}
}

func parseLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
