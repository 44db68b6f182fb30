package equipment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/equipment"
	"github.com/synaptica-ai/worklist/pkg/observability/metrics"
	"github.com/synaptica-ai/worklist/pkg/procedure"
	"github.com/synaptica-ai/worklist/pkg/reconcile"
	"github.com/synaptica-ai/worklist/pkg/worklist"
	"github.com/synaptica-ai/worklist/pkg/worklist/worklisttest"
)

type published struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (p *published) PublishEvent(_ context.Context, eventType, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventType == models.EventStepTransition {
		p.events = append(p.events, data)
	}
	return nil
}

var scheduled = time.Date(2025, 1, 15, 16, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *worklist.Repository
	service *equipment.Service
	pub     *published
	hook    *test.Hook
	log     *logrus.Entry
}

func newFixture(t *testing.T, allowDevice bool) *fixture {
	metrics.Reset()
	l, hook := test.NewNullLogger()
	f := &fixture{
		repo: worklisttest.NewRepository(t),
		pub:  &published{},
		hook: hook,
		log:  logrus.NewEntry(l),
	}
	f.service = equipment.NewService(f.repo, equipment.Options{
		AllowDeviceInitiated: allowDevice,
		Publisher:            f.pub,
		Logger:               f.log,
	})
	return f
}

func (f *fixture) seed(t *testing.T, key string, status models.ProcedureStatus) *models.Request {
	t.Helper()
	at := scheduled
	req := &models.Request{
		SourceName:    "calpendo",
		ExternalKey:   key,
		SubjectID:     "SUB-" + key,
		SubjectName:   "DOE^" + key,
		Modality:      "MR",
		ScheduledDate: at.Format("2006-01-02"),
		ScheduledTime: at.Format("15:04:05"),
		ScheduledAt:   &at,
		Status:        status,
	}
	require.NoError(t, f.repo.InTx(context.Background(), func(tx *worklist.Tx) error {
		return tx.Create(req)
	}))
	return req
}

func (f *fixture) reload(t *testing.T, id string) *models.Request {
	t.Helper()
	req, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func TestBeginAndEndStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)

	res, err := f.service.BeginStep(ctx, equipment.BeginStep{
		StepRef:        equipment.StepRef{PerformedStepUID: "1.2.3.4", AccessionNumber: req.AccessionNumber},
		StationAETitle: "MR_PRISMA",
	})
	require.NoError(t, err)
	assert.Equal(t, procedure.Applied, res.Outcome.Result)
	assert.False(t, res.Created)

	stored := f.reload(t, req.ID)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Equal(t, "1.2.3.4", stored.PerformedStepUID)
	assert.Equal(t, "MR_PRISMA", stored.StationAETitle)
	assert.False(t, stored.StaleExternally)

	res, err = f.service.EndStep(ctx, equipment.EndStep{
		StepRef: equipment.StepRef{PerformedStepUID: "1.2.3.4"},
		Status:  models.StatusCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, procedure.Applied, res.Outcome.Result)
	assert.Equal(t, models.StatusCompleted, f.reload(t, req.ID).Status)

	events, err := f.repo.Events(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusInProgress, events[0].ToStatus)
	assert.Equal(t, "equipment", events[1].Authority)

	require.Len(t, f.pub.events, 2)
	assert.Equal(t, "COMPLETED", f.pub.events[1]["status"])

	rec := httptest.NewRecorder()
	metrics.WritePrometheus(rec)
	assert.Contains(t, rec.Body.String(), "worklist_equipment_transitions_applied_total 2\n")
}

func TestDuplicateBeginIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)
	step := equipment.BeginStep{StepRef: equipment.StepRef{SourceName: "calpendo", ExternalKey: "K1"}}

	_, err := f.service.BeginStep(ctx, step)
	require.NoError(t, err)
	first := f.reload(t, req.ID)

	res, err := f.service.BeginStep(ctx, step)
	require.NoError(t, err)
	assert.Equal(t, procedure.Unchanged, res.Outcome.Result)

	again := f.reload(t, req.ID)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	events, err := f.repo.Events(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, f.pub.events, 1)
}

func TestEndBeforeBeginIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)

	_, err := f.service.EndStep(ctx, equipment.EndStep{
		StepRef: equipment.StepRef{StudyInstanceUID: req.StudyInstanceUID},
		Status:  models.StatusCompleted,
	})
	var terr *procedure.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StatusScheduled, f.reload(t, req.ID).Status)

	events, err := f.repo.Events(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "rejected", events[0].Result)

	_, err = f.service.EndStep(ctx, equipment.EndStep{
		StepRef: equipment.StepRef{StudyInstanceUID: req.StudyInstanceUID},
		Status:  models.StatusDiscontinued,
		Reason:  "patient left",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDiscontinued, f.reload(t, req.ID).Status)
}

func TestEndStepValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "K1", models.StatusInProgress)

	_, err := f.service.EndStep(ctx, equipment.EndStep{StepRef: equipment.StepRef{SourceName: "calpendo", ExternalKey: "K1"}, Status: models.StatusInProgress})
	assert.ErrorIs(t, err, equipment.ErrInvalidOutcome)

	_, err = f.service.EndStep(ctx, equipment.EndStep{Status: models.StatusCompleted})
	assert.ErrorIs(t, err, equipment.ErrMissingIdentifier)

	_, err = f.service.EndStep(ctx, equipment.EndStep{StepRef: equipment.StepRef{AccessionNumber: "NOPE"}, Status: models.StatusCompleted})
	assert.ErrorIs(t, err, equipment.ErrUnknownStep)
}

func TestLocateFallsBackPastUnknownIdentifiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)

	res, err := f.service.BeginStep(ctx, equipment.BeginStep{
		StepRef: equipment.StepRef{
			PerformedStepUID: "9.9.9",
			AccessionNumber:  "UNKNOWN",
			StudyInstanceUID: req.StudyInstanceUID,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.Request.ID)
}

func TestDeviceInitiatedRequest(t *testing.T) {
	ctx := context.Background()
	step := equipment.BeginStep{
		StepRef:        equipment.StepRef{StudyInstanceUID: "1.2.840.99.1"},
		StationAETitle: "CT_1",
		Modality:       "CT",
		SubjectID:      "WALKIN-1",
		StartedAt:      time.Date(2025, 1, 15, 9, 5, 0, 0, time.UTC),
	}

	disallowed := newFixture(t, false)
	_, err := disallowed.service.BeginStep(ctx, step)
	assert.ErrorIs(t, err, equipment.ErrUnknownStep)

	f := newFixture(t, true)
	res, err := f.service.BeginStep(ctx, step)
	require.NoError(t, err)
	assert.True(t, res.Created)

	req := f.reload(t, res.Request.ID)
	assert.Equal(t, equipment.DefaultDeviceSource, req.SourceName)
	assert.Equal(t, "1.2.840.99.1", req.ExternalKey)
	assert.Equal(t, "1.2.840.99.1", req.StudyInstanceUID)
	assert.Len(t, req.AccessionNumber, 16)
	assert.True(t, req.DeviceInitiated)
	assert.Equal(t, models.StatusInProgress, req.Status)
	assert.Equal(t, "2025-01-15", req.ScheduledDate)
	assert.Equal(t, "09:05:00", req.ScheduledTime)

	again, err := f.service.BeginStep(ctx, step)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, procedure.Unchanged, again.Outcome.Result)
}

func TestQueryReturnsOpenRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.seed(t, "K1", models.StatusScheduled)
	f.seed(t, "K2", models.StatusInProgress)
	f.seed(t, "K3", models.StatusCompleted)
	f.seed(t, "K4", models.StatusDiscontinued)

	items, err := f.service.Query(ctx, models.RequestFilter{DateFrom: "2025-01-15", DateTo: "2025-01-15"})
	require.NoError(t, err)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.ExternalKey)
	}
	assert.ElementsMatch(t, []string{"K1", "K2"}, keys)

	items, err = f.service.Query(ctx, models.RequestFilter{SubjectName: "DOE^K*", Statuses: []models.ProcedureStatus{models.StatusInProgress}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "K2", items[0].ExternalKey)

	items, err = f.service.Query(ctx, models.RequestFilter{Statuses: []models.ProcedureStatus{models.StatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// Equipment begins K1 while a sync pass that no longer sees K1 runs. Either
// order must end with the equipment status kept and the request flagged.
func TestBeginRacesMissingSync(t *testing.T) {
	window := models.SyncWindow{Start: scheduled.Add(-time.Hour), End: scheduled.Add(time.Hour)}
	source := reconcile.Source{Name: "calpendo", RetireMissing: true, MissThreshold: 2}

	missingPass := func(t *testing.T, f *fixture) {
		_, err := reconcile.New(f.repo, nil, f.log).Reconcile(context.Background(), reconcile.Pass{Source: source, Window: window})
		assert.NoError(t, err)
	}
	begin := func(t *testing.T, f *fixture, key string) {
		_, err := f.service.BeginStep(context.Background(), equipment.BeginStep{StepRef: equipment.StepRef{SourceName: "calpendo", ExternalKey: key}})
		assert.NoError(t, err)
	}

	t.Run("begin first", func(t *testing.T) {
		f := newFixture(t, false)
		req := f.seed(t, "K1", models.StatusScheduled)
		begin(t, f, "K1")
		missingPass(t, f)

		got := f.reload(t, req.ID)
		assert.Equal(t, models.StatusInProgress, got.Status)
		assert.True(t, got.StaleExternally)
	})

	t.Run("sync first", func(t *testing.T) {
		f := newFixture(t, false)
		req := f.seed(t, "K1", models.StatusScheduled)
		missingPass(t, f)
		begin(t, f, "K1")

		got := f.reload(t, req.ID)
		assert.Equal(t, models.StatusInProgress, got.Status)
		assert.True(t, got.StaleExternally)

		missingPass(t, f)
		got = f.reload(t, req.ID)
		assert.Equal(t, models.StatusInProgress, got.Status)
	})

	t.Run("concurrent", func(t *testing.T) {
		f := newFixture(t, false)
		keys := []string{"K1", "K2", "K3", "K4", "K5"}
		ids := make([]string, 0, len(keys))
		for _, key := range keys {
			ids = append(ids, f.seed(t, key, models.StatusScheduled).ID)
		}

		var wg sync.WaitGroup
		wg.Add(len(keys) + 1)
		go func() {
			defer wg.Done()
			missingPass(t, f)
		}()
		for _, key := range keys {
			go func(key string) {
				defer wg.Done()
				begin(t, f, key)
			}(key)
		}
		wg.Wait()

		for _, id := range ids {
			got := f.reload(t, id)
			assert.Equal(t, models.StatusInProgress, got.Status)
			assert.True(t, got.StaleExternally)
		}
	})
}

func TestBridgeHandlesStepEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)
	bridge := equipment.NewBridge(f.service)

	require.NoError(t, bridge.Handle(ctx, models.Event{
		ID:   "e1",
		Type: models.EventProcedureStepBegin,
		Data: map[string]interface{}{
			"accession_number":   req.AccessionNumber,
			"performed_step_uid": "1.2.3",
			"started_at":         "2025-01-15T16:02:00Z",
		},
	}))
	assert.Equal(t, models.StatusInProgress, f.reload(t, req.ID).Status)

	require.NoError(t, bridge.Handle(ctx, models.Event{
		ID:   "e2",
		Type: models.EventProcedureStepEnd,
		Data: map[string]interface{}{"performed_step_uid": "1.2.3", "status": "COMPLETED"},
	}))
	assert.Equal(t, models.StatusCompleted, f.reload(t, req.ID).Status)

	// Reports that cannot apply are acknowledged rather than retried.
	assert.NoError(t, bridge.Handle(ctx, models.Event{
		ID:   "e3",
		Type: models.EventProcedureStepBegin,
		Data: map[string]interface{}{"performed_step_uid": "1.2.3"},
	}))
	assert.NoError(t, bridge.Handle(ctx, models.Event{
		ID:   "e4",
		Type: models.EventProcedureStepEnd,
		Data: map[string]interface{}{"accession_number": "MISSING", "status": "COMPLETED"},
	}))
	assert.NoError(t, bridge.Handle(ctx, models.Event{ID: "e5", Type: models.EventSyncPass}))
	assert.Equal(t, models.StatusCompleted, f.reload(t, req.ID).Status)
}

func TestHTTPHandler(t *testing.T) {
	f := newFixture(t, false)
	req := f.seed(t, "K1", models.StatusScheduled)
	f.seed(t, "K2", models.StatusCompleted)

	router := mux.NewRouter()
	equipment.NewHandler(f.service).Register(router)

	do := func(method, target string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
		return rec
	}

	rec := do(http.MethodGet, "/worklist?date=2025-01-15&modality=MR", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.Request `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "K1", list.Items[0].ExternalKey)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/worklist?status=BOGUS", nil).Code)

	rec = do(http.MethodPost, "/steps/begin", map[string]string{"accession_number": req.AccessionNumber})
	require.Equal(t, http.StatusOK, rec.Code)
	var res equipment.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, models.StatusInProgress, res.Request.Status)

	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/steps/begin", map[string]string{"accession_number": "NOPE"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/steps/end", map[string]string{"status": "COMPLETED"}).Code)
	assert.Equal(t, http.StatusConflict, do(http.MethodPost, "/steps/begin", map[string]string{"source_name": "calpendo", "external_key": "K2"}).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/steps/end", map[string]string{"accession_number": req.AccessionNumber, "status": "COMPLETED"}).Code)
}
