package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/lease"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/observability/metrics"
	"github.com/synaptica-ai/worklist/pkg/sources"
	"github.com/synaptica-ai/worklist/pkg/worklist"
	"github.com/synaptica-ai/worklist/pkg/worklist/worklisttest"
)

type fakePlugin struct {
	name  string
	calls atomic.Int32
	fetch func(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error)
}

func (p *fakePlugin) Validate(cfg models.SourceConfig) error {
	if _, bad := cfg.Config["invalid"]; bad {
		return &sources.ConfigError{Source: cfg.Name, Key: "config.invalid", Reason: "rejected"}
	}
	return nil
}

func (p *fakePlugin) Fetch(ctx context.Context, window models.SyncWindow) ([]models.RawRecord, error) {
	p.calls.Add(1)
	return p.fetch(ctx, window)
}

func (p *fakePlugin) SourceName() string { return p.name }

type fakeArchiver struct {
	mu      sync.Mutex
	batches map[string]int
}

func (a *fakeArchiver) Archive(_ context.Context, source string, _ models.SyncWindow, records []models.RawRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batches == nil {
		a.batches = map[string]int{}
	}
	a.batches[source] += len(records)
	return nil
}

var now = time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)

func booking(id, status, study string) models.RawRecord {
	return models.RawRecord{
		"id":       id,
		"status":   status,
		"start":    "2025-01-15T16:00:00Z",
		"modality": "MR",
		"study":    study,
		"patient":  map[string]interface{}{"id": "P-" + id, "name": "DOE^" + id},
	}
}

func mapping() map[string]models.FieldRuleSpec {
	return map[string]models.FieldRuleSpec{
		models.FieldExternalKey:      {Source: "id"},
		models.FieldSubjectID:        {Source: "patient.id"},
		models.FieldSubjectName:      {Source: "patient.name"},
		models.FieldModality:         {Source: "modality"},
		models.FieldStudyDescription: {Source: "study"},
		models.FieldScheduledStart:   {Source: "start"},
		models.FieldStatus: {Source: "status", Lookup: &models.LookupSpec{
			Table:   map[string]string{"Approved": "SCHEDULED", "Cancelled": "DISCONTINUED"},
			Default: "SCHEDULED",
		}},
	}
}

type env struct {
	repo     *worklist.Repository
	registry *sources.Registry
	plugins  map[string]*fakePlugin
	archiver *fakeArchiver
	hook     *test.Hook
	deps     Deps
}

func newEnv(t *testing.T) *env {
	metrics.Reset()
	l, hook := test.NewNullLogger()
	e := &env{
		repo:     worklisttest.NewRepository(t),
		registry: sources.NewRegistry(),
		plugins:  map[string]*fakePlugin{},
		archiver: &fakeArchiver{},
		hook:     hook,
	}
	e.registry.Register("fake", func(cfg models.SourceConfig, _ sources.Deps) (sources.Plugin, error) {
		p, ok := e.plugins[cfg.Name]
		if !ok {
			p = &fakePlugin{name: cfg.Name, fetch: func(context.Context, models.SyncWindow) ([]models.RawRecord, error) { return nil, nil }}
			e.plugins[cfg.Name] = p
		}
		return p, nil
	})
	e.deps = Deps{
		Repo:          e.repo,
		Archiver:      e.archiver,
		Logger:        logrus.NewEntry(l),
		FetchTimeout:  time.Second,
		ShutdownGrace: time.Second,
		Now:           func() time.Time { return now },
	}
	return e
}

func (e *env) plugin(name string, fetch func(context.Context, models.SyncWindow) ([]models.RawRecord, error)) *fakePlugin {
	p := &fakePlugin{name: name, fetch: fetch}
	e.plugins[name] = p
	return p
}

func sourceConfig(name string) models.SourceConfig {
	return models.SourceConfig{Name: name, Type: "fake", Timezone: "America/Edmonton", FieldMapping: mapping()}
}

func TestBuildDisablesInvalidSources(t *testing.T) {
	e := newEnv(t)
	disabled := false

	badTZ := sourceConfig("bad-tz")
	badTZ.Timezone = "Mars/Olympus"
	badPattern := sourceConfig("bad-pattern")
	badPattern.FieldMapping = mapping()
	badPattern.FieldMapping[models.FieldModality] = models.FieldRuleSpec{Source: "modality", Extract: &models.ExtractSpec{Pattern: "([", Group: 1}}
	badPlugin := sourceConfig("bad-plugin")
	badPlugin.Config = map[string]interface{}{"invalid": true}
	unknown := sourceConfig("unknown")
	unknown.Type = "fax"
	off := sourceConfig("off")
	off.Enabled = &disabled

	built, errs, err := Build([]models.SourceConfig{sourceConfig("good"), badTZ, badPattern, badPlugin, unknown, off}, e.registry, e.deps)
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, "good", built[0].Name())

	require.Len(t, errs, 4)
	keys := map[string]bool{}
	for _, err := range errs {
		var ce *sources.ConfigError
		require.ErrorAs(t, err, &ce)
		keys[ce.Key] = true
	}
	assert.True(t, keys["timezone"])
	assert.True(t, keys["field_mapping.modality"])
	assert.True(t, keys["config.invalid"])
	assert.True(t, keys["type"])

	_, _, err = Build([]models.SourceConfig{badTZ, off}, e.registry, e.deps)
	assert.ErrorIs(t, err, ErrNoValidSources)
}

func TestRunOncePersistsBatch(t *testing.T) {
	e := newEnv(t)
	e.plugin("ris", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		return []models.RawRecord{
			booking("K1", "Approved", "BRAIN"),
			booking("K2", "Tentative", "BRAIN"),
			{"id": "K3", "status": "Approved"},
		}, nil
	})
	built, _, err := Build([]models.SourceConfig{sourceConfig("ris")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	summary, err := o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.SkipReasons, 1)
	assert.Contains(t, summary.SkipReasons[0], "record 2")

	rows, err := e.repo.Query(context.Background(), models.RequestFilter{SourceName: "ris"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.StatusScheduled, row.Status)
	}

	var unmapped, rejected int
	for _, entry := range e.hook.AllEntries() {
		switch entry.Message {
		case "Unmapped value, using default":
			unmapped++
			assert.Equal(t, "Tentative", entry.Data["value"])
		case "Record rejected by transformer":
			rejected++
		}
	}
	assert.Equal(t, 1, unmapped)
	assert.Equal(t, 1, rejected)

	assert.Equal(t, 3, e.archiver.batches["ris"])
	assert.EqualValues(t, 2, metrics.Snapshot()["ris"].Created)

	again, err := o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)
	assert.Zero(t, again.Writes())
	assert.Equal(t, 2, again.Unchanged)
}

func TestRejectedRecordKeepsStoredRequest(t *testing.T) {
	e := newEnv(t)
	calls := 0
	e.plugin("ris", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		calls++
		rec := booking("K1", "Approved", "BRAIN")
		if calls > 1 {
			rec["patient"] = map[string]interface{}{"name": "DOE^K1"}
		}
		return []models.RawRecord{rec}, nil
	})
	built, _, err := Build([]models.SourceConfig{sourceConfig("ris")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	summary, err := o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)

	for i := 0; i < 3; i++ {
		summary, err = o.RunOnce(context.Background(), built[0])
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Skipped)
		assert.Zero(t, summary.Missed)
		assert.Zero(t, summary.Retired)
	}

	req, err := e.repo.FindForStep(context.Background(), worklist.Locator{SourceName: "ris", ExternalKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, req.Status)
	assert.Zero(t, req.MissCount)
}

func TestFetchFailureLeavesRequestsUntouched(t *testing.T) {
	e := newEnv(t)
	calls := 0
	e.plugin("ris", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		calls++
		if calls == 1 {
			return []models.RawRecord{booking("K1", "Approved", "BRAIN")}, nil
		}
		return nil, errors.New("connection refused")
	})
	built, _, err := Build([]models.SourceConfig{sourceConfig("ris")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	_, err = o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)

	_, err = o.RunOnce(context.Background(), built[0])
	require.Error(t, err)
	assert.True(t, sources.IsFetchError(err))

	req, err := e.repo.FindForStep(context.Background(), worklist.Locator{SourceName: "ris", ExternalKey: "K1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, req.Status)
	assert.Zero(t, req.MissCount)

	state, err := e.repo.SyncState(context.Background(), "ris")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Contains(t, state.LastError, "connection refused")
	require.NotNil(t, state.LastSuccessAt)
	assert.EqualValues(t, 1, metrics.Snapshot()["ris"].PollFailures)
}

func TestAllowedStudiesFilter(t *testing.T) {
	e := newEnv(t)
	e.plugin("ris", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		return []models.RawRecord{booking("K1", "Approved", "BRAIN"), booking("K2", "Approved", "Knee")}, nil
	})
	cfg := sourceConfig("ris")
	cfg.AllowedStudies = []string{"brain"}
	built, _, err := Build([]models.SourceConfig{cfg}, e.registry, e.deps)
	require.NoError(t, err)

	summary, err := New(built, e.deps).RunOnce(context.Background(), built[0])
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, []string{"K2: study not allowed"}, summary.SkipReasons)
}

func TestHeldLeaseSkipsPass(t *testing.T) {
	e := newEnv(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := lease.NewRedisLocker(client, "")
	e.deps.Locker = locker

	p := e.plugin("ris", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) { return nil, nil })
	built, _, err := Build([]models.SourceConfig{sourceConfig("ris")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	release, err := locker.Acquire(context.Background(), "ris", time.Minute)
	require.NoError(t, err)

	_, err = o.RunOnce(context.Background(), built[0])
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.Zero(t, p.calls.Load())

	require.NoError(t, release(context.Background()))
	_, err = o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestRunIsolatesFailingSources(t *testing.T) {
	e := newEnv(t)
	e.plugin("broken", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		panic("plugin bug")
	})
	good := e.plugin("good", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) {
		return []models.RawRecord{booking("K1", "Approved", "BRAIN")}, nil
	})

	broken := sourceConfig("broken")
	broken.Interval = 10 * time.Millisecond
	healthy := sourceConfig("good")
	healthy.Interval = 10 * time.Millisecond
	built, _, err := Build([]models.SourceConfig{broken, healthy}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return good.calls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, e.plugins["broken"].calls.Load(), int32(1))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	_, err = e.repo.FindForStep(context.Background(), worklist.Locator{SourceName: "good", ExternalKey: "K1"})
	require.NoError(t, err)

	panics := 0
	for _, entry := range e.hook.AllEntries() {
		if entry.Message == "Sync pass panicked" {
			panics++
		}
	}
	assert.GreaterOrEqual(t, panics, 1)
}

func TestShutdownGraceCancelsStuckPass(t *testing.T) {
	e := newEnv(t)
	e.deps.FetchTimeout = time.Hour
	e.deps.ShutdownGrace = 50 * time.Millisecond
	started := make(chan struct{})
	var once sync.Once
	e.plugin("stuck", func(ctx context.Context, _ models.SyncWindow) ([]models.RawRecord, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	built, _, err := Build([]models.SourceConfig{sourceConfig("stuck")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	<-started
	assert.True(t, o.Running("stuck"))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stuck pass was not cancelled after the grace period")
	}
	assert.False(t, o.Running("stuck"))
}

func TestOutsideOperatingHoursDoesNotPoll(t *testing.T) {
	e := newEnv(t)
	p := e.plugin("night", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) { return nil, nil })
	cfg := sourceConfig("night")
	cfg.OperatingHours = models.OperatingHours{Start: "22:00", End: "23:00"}
	built, _, err := Build([]models.SourceConfig{cfg}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))
	assert.Zero(t, p.calls.Load())
}

func TestSourcesEndpointDistinguishesNeverSynced(t *testing.T) {
	e := newEnv(t)
	e.plugin("empty", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) { return nil, nil })
	e.plugin("pending", func(context.Context, models.SyncWindow) ([]models.RawRecord, error) { return nil, nil })
	built, _, err := Build([]models.SourceConfig{sourceConfig("empty"), sourceConfig("pending")}, e.registry, e.deps)
	require.NoError(t, err)
	o := New(built, e.deps)
	_, err = o.RunOnce(context.Background(), built[0])
	require.NoError(t, err)

	router := mux.NewRouter()
	NewHTTPHandler(o, e.repo).Register(router.PathPrefix("/api/v1").Subrouter())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sources []SourceHealth `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sources, 2)
	assert.False(t, body.Sources[0].NeverSynced)
	assert.Zero(t, body.Sources[0].Requests)
	assert.True(t, body.Sources[1].NeverSynced)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sources/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
