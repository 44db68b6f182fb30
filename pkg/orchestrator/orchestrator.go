package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/archive"
	"github.com/synaptica-ai/worklist/pkg/common/kafka"
	"github.com/synaptica-ai/worklist/pkg/common/lease"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/fingerprint"
	"github.com/synaptica-ai/worklist/pkg/observability/metrics"
	"github.com/synaptica-ai/worklist/pkg/reconcile"
	"github.com/synaptica-ai/worklist/pkg/sources"
	"github.com/synaptica-ai/worklist/pkg/transform"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

const (
	defaultFetchTimeout  = 2 * time.Minute
	defaultShutdownGrace = 30 * time.Second
)

type Deps struct {
	Repo       *worklist.Repository
	Publisher  kafka.Publisher
	Locker     lease.Locker
	Archiver   archive.Archiver
	HTTPClient *http.Client
	Logger     *logrus.Entry
	Getenv     func(string) string

	FetchTimeout  time.Duration
	ShutdownGrace time.Duration
	LeaseTTL      time.Duration
	Now           func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = kafka.NopPublisher{}
	}
	if d.Locker == nil {
		d.Locker = lease.NopLocker{}
	}
	if d.Archiver == nil {
		d.Archiver = archive.NopArchiver{}
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = defaultFetchTimeout
	}
	if d.ShutdownGrace <= 0 {
		d.ShutdownGrace = defaultShutdownGrace
	}
	// A lease must outlive the longest pass it guards.
	if floor := 2 * d.FetchTimeout; d.LeaseTTL < floor {
		d.LeaseTTL = floor
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

type Orchestrator struct {
	sources    []*Source
	deps       Deps
	reconciler *reconcile.Reconciler
	log        *logrus.Entry

	mu      sync.RWMutex
	running map[string]bool
}

func New(srcs []*Source, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	log := logger.Component(deps.Logger, "orchestrator")
	return &Orchestrator{
		sources:    srcs,
		deps:       deps,
		reconciler: reconcile.New(deps.Repo, deps.Publisher, log),
		log:        log,
		running:    make(map[string]bool, len(srcs)),
	}
}

func (o *Orchestrator) Sources() []*Source {
	return o.sources
}

// Running reports whether the source's worker is inside a pass.
func (o *Orchestrator) Running(source string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running[source]
}

func (o *Orchestrator) setRunning(source string, v bool) {
	o.mu.Lock()
	o.running[source] = v
	o.mu.Unlock()
}

// Run starts one worker per source and blocks until ctx is cancelled and
// every worker has stopped. In-flight passes get ShutdownGrace to finish
// before their context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	passCtx, cancelPasses := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPasses()

	var wg sync.WaitGroup
	for _, src := range o.sources {
		wg.Add(1)
		go func(src *Source) {
			defer wg.Done()
			o.worker(ctx, passCtx, src)
		}(src)
	}
	o.log.WithField("sources", len(o.sources)).Info("Orchestrator started")

	<-ctx.Done()
	o.log.WithField("grace", o.deps.ShutdownGrace.String()).Info("Shutting down source workers")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.deps.ShutdownGrace):
		o.log.Warn("Shutdown grace expired, cancelling in-flight passes")
		cancelPasses()
		<-done
	}

	for _, src := range o.sources {
		if closer, ok := src.Plugin.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				src.log.WithError(err).Warn("Failed to close source plugin")
			}
		}
	}
	o.log.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) worker(ctx, passCtx context.Context, src *Source) {
	interval := src.Config.PollInterval()
	src.log.WithFields(logrus.Fields{
		"interval": interval.String(),
		"hours":    src.Hours.String(),
		"timezone": src.Location.String(),
	}).Info("Source worker started")

	for {
		if wait := src.Hours.UntilOpen(o.deps.Now().In(src.Location)); wait > 0 {
			src.log.WithField("resume_in", wait.Round(time.Second).String()).Info("Outside operating hours, polling paused")
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		o.safePass(passCtx, src)

		if !sleep(ctx, interval) {
			return
		}
	}
}

func (o *Orchestrator) safePass(ctx context.Context, src *Source) {
	o.setRunning(src.Name(), true)
	defer o.setRunning(src.Name(), false)
	defer func() {
		if r := recover(); r != nil {
			src.log.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Sync pass panicked")
			metrics.ObservePollFailure(src.Name())
		}
	}()

	if _, err := o.RunOnce(ctx, src); err != nil && !errors.Is(err, lease.ErrHeld) {
		src.log.WithError(err).Debug("Sync pass ended with error")
	}
}

// RunOnce performs a single fetch, transform and reconcile pass for src.
func (o *Orchestrator) RunOnce(ctx context.Context, src *Source) (models.PollSummary, error) {
	release, err := o.deps.Locker.Acquire(ctx, src.Name(), o.deps.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		src.log.Debug("Another replica is syncing this source, skipping pass")
		return models.PollSummary{}, err
	}
	if err != nil {
		src.log.WithError(err).Warn("Could not acquire source lease, skipping pass")
		return models.PollSummary{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			src.log.WithError(err).Warn("Failed to release source lease")
		}
	}()

	started := o.deps.Now()
	state, err := o.deps.Repo.SyncState(ctx, src.Name())
	if err != nil {
		return o.fail(ctx, src, err, logrus.ErrorLevel)
	}
	incremental := sources.SupportsIncremental(src.Plugin)
	window := sources.ComputeWindow(started, src.Config, src.Location, state.LastSuccessAt, incremental)

	fetchCtx, cancel := context.WithTimeout(ctx, o.deps.FetchTimeout)
	records, err := src.Plugin.Fetch(fetchCtx, window)
	cancel()
	if err != nil {
		if !sources.IsFetchError(err) {
			err = &sources.FetchError{Source: src.Name(), Op: "fetch", Err: err}
		}
		return o.fail(ctx, src, err, logrus.WarnLevel)
	}

	if err := o.deps.Archiver.Archive(ctx, src.Name(), window, records); err != nil {
		src.log.WithError(err).Warn("Failed to archive raw batch")
	}

	staged, present, skips := o.stage(src, records)
	summary, err := o.reconciler.Reconcile(ctx, reconcile.Pass{
		Source:      src.runtime(),
		Window:      window,
		Records:     staged,
		PresentKeys: present,
		Fetched:     len(records),
		SkipReasons: skips,
		StartedAt:   started,
	})
	if err != nil {
		return o.fail(ctx, src, err, logrus.ErrorLevel)
	}
	summary.Duration = o.deps.Now().Sub(started)

	metrics.ObservePoll(summary)
	src.log.WithFields(logrus.Fields{
		"fetched":     summary.Fetched,
		"created":     summary.Created,
		"updated":     summary.Updated,
		"unchanged":   summary.Unchanged,
		"retired":     summary.Retired,
		"missed":      summary.Missed,
		"skipped":     summary.Skipped,
		"conflicts":   summary.Conflicts,
		"incremental": incremental,
		"duration_ms": summary.Duration.Milliseconds(),
	}).Info("Sync pass complete")

	if err := o.deps.Publisher.PublishEvent(ctx, models.EventSyncPass, src.Name(), summaryData(summary)); err != nil {
		src.log.WithError(err).Warn("Failed to publish sync summary")
	}
	return summary, nil
}

// stage transforms and fingerprints raw records. Records that fail to
// transform or belong to a study outside allowed_studies are skipped; the
// keys of rejected records are returned so their requests are not treated as
// missing.
func (o *Orchestrator) stage(src *Source, records []models.RawRecord) ([]models.StagedRecord, []string, []string) {
	staged := make([]models.StagedRecord, 0, len(records))
	var present, skips []string
	for i, raw := range records {
		fields, err := src.Transformer.Transform(raw)
		if err != nil {
			reason := fmt.Sprintf("record %d: %v", i, err)
			if transform.IsTransformError(err) {
				src.log.WithError(err).WithField("index", i).Warn("Record rejected by transformer")
			} else {
				src.log.WithError(err).WithField("index", i).Error("Unexpected transform failure")
			}
			if key := transform.RejectedKey(err); key != "" {
				present = append(present, key)
			}
			skips = append(skips, reason)
			continue
		}
		key := fields[models.FieldExternalKey]
		if !src.studyAllowed(fields) {
			src.log.WithFields(logrus.Fields{"external_key": key, "study": fields[models.FieldStudyDescription]}).
				Debug("Study not in allowed_studies, skipping")
			skips = append(skips, fmt.Sprintf("%s: study not allowed", key))
			continue
		}
		staged = append(staged, models.StagedRecord{
			ExternalKey: key,
			Fields:      fields,
			Fingerprint: fingerprint.Compute(fields, src.Config.FingerprintFields),
		})
	}
	return staged, present, skips
}

func (o *Orchestrator) fail(ctx context.Context, src *Source, err error, level logrus.Level) (models.PollSummary, error) {
	src.log.WithError(err).Log(level, "Sync pass failed, state left untouched")
	metrics.ObservePollFailure(src.Name())
	if recErr := o.deps.Repo.RecordSyncFailure(context.WithoutCancel(ctx), src.Name(), err); recErr != nil {
		src.log.WithError(recErr).Error("Failed to record sync failure")
	}
	return models.PollSummary{}, err
}

func summaryData(s models.PollSummary) map[string]interface{} {
	return map[string]interface{}{
		"window_start": s.Window.Start.Format(time.RFC3339),
		"window_end":   s.Window.End.Format(time.RFC3339),
		"fetched":      s.Fetched,
		"created":      s.Created,
		"updated":      s.Updated,
		"unchanged":    s.Unchanged,
		"retired":      s.Retired,
		"missed":       s.Missed,
		"skipped":      s.Skipped,
		"conflicts":    s.Conflicts,
		"skip_reasons": s.SkipReasons,
		"duration_ms":  s.Duration.Milliseconds(),
	}
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
