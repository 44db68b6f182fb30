package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/kafka"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/procedure"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

// Source carries the per-source policy the reconciler needs.
type Source struct {
	Name          string
	RetireMissing bool
	MissThreshold int
}

// Pass is one fetched, transformed and fingerprinted batch.
type Pass struct {
	Source      Source
	Window      models.SyncWindow
	Records     []models.StagedRecord
	// PresentKeys are external keys the source still returned but whose
	// records were rejected. Their stored requests are left untouched.
	PresentKeys []string
	Fetched     int
	SkipReasons []string
	StartedAt   time.Time
}

type Reconciler struct {
	repo      *worklist.Repository
	publisher kafka.Publisher
	log       *logrus.Entry
}

func New(repo *worklist.Repository, publisher kafka.Publisher, log *logrus.Entry) *Reconciler {
	if publisher == nil {
		publisher = kafka.NopPublisher{}
	}
	return &Reconciler{
		repo:      repo,
		publisher: publisher,
		log:       logger.Component(log, "reconciler"),
	}
}

type event struct {
	typ  string
	data map[string]interface{}
}

// Reconcile applies one batch to the store inside a single transaction and
// records the pass in the source's sync state. Nothing is written when the
// transaction fails.
func (r *Reconciler) Reconcile(ctx context.Context, pass Pass) (models.PollSummary, error) {
	src := pass.Source
	log := r.log.WithField("source", src.Name)

	var (
		summary models.PollSummary
		events  []event
	)
	err := r.repo.InTx(ctx, func(tx *worklist.Tx) error {
		summary = models.PollSummary{
			Source:      src.Name,
			Window:      pass.Window,
			Fetched:     pass.Fetched,
			Skipped:     len(pass.SkipReasons),
			SkipReasons: append([]string(nil), pass.SkipReasons...),
			StartedAt:   pass.StartedAt,
		}

		p := &txPass{tx: tx, src: src, window: pass.Window, log: log, summary: &summary, now: tx.Now()}
		if err := p.run(dedupe(pass.Records, log), pass.PresentKeys); err != nil {
			return err
		}
		events = p.events

		state, err := tx.SyncState(src.Name)
		if err != nil {
			return err
		}
		now := p.now
		state.LastAttemptAt = &now
		state.LastSuccessAt = &now
		state.LastError = ""
		state.ConsecutiveFailures = 0
		state.LastFetched = summary.Fetched
		state.LastCreated = summary.Created
		state.LastUpdated = summary.Updated
		state.LastRetired = summary.Retired
		state.LastSkipped = summary.Skipped
		state.LastConflicts = summary.Conflicts
		return tx.SaveSyncState(state)
	})
	if err != nil {
		return models.PollSummary{}, err
	}

	for _, ev := range events {
		if err := r.publisher.PublishEvent(ctx, ev.typ, src.Name, ev.data); err != nil {
			log.WithError(err).WithField("event_type", ev.typ).Warn("Failed to publish procedure step event")
		}
	}
	return summary, nil
}

// dedupe keeps the last record for every external key, preserving first
// appearance order.
func dedupe(records []models.StagedRecord, log *logrus.Entry) []models.StagedRecord {
	index := make(map[string]int, len(records))
	out := make([]models.StagedRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.ExternalKey]; ok {
			log.WithField("external_key", rec.ExternalKey).Warn("Duplicate external key in batch, keeping last occurrence")
			out[i] = rec
			continue
		}
		index[rec.ExternalKey] = len(out)
		out = append(out, rec)
	}
	return out
}

type txPass struct {
	tx      *worklist.Tx
	src     Source
	window  models.SyncWindow
	log     *logrus.Entry
	summary *models.PollSummary
	now     time.Time
	events  []event
}

func (p *txPass) run(records []models.StagedRecord, present []string) error {
	existing, err := p.tx.ListSourceRequests(p.src.Name)
	if err != nil {
		return err
	}
	byKey := make(map[string]*models.Request, len(existing))
	for _, req := range existing {
		byKey[req.ExternalKey] = req
	}

	seen := make(map[string]bool, len(records)+len(present))
	for _, key := range present {
		seen[key] = true
	}
	for _, rec := range records {
		seen[rec.ExternalKey] = true
		if req, ok := byKey[rec.ExternalKey]; ok {
			err = p.update(req, rec)
		} else {
			err = p.create(rec)
		}
		if err != nil {
			return err
		}
	}

	if !p.src.RetireMissing {
		return nil
	}
	for _, req := range existing {
		if seen[req.ExternalKey] || req.Status.IsTerminal() {
			continue
		}
		if req.ScheduledAt == nil || !p.window.Contains(*req.ScheduledAt) {
			continue
		}
		if err := p.missing(req); err != nil {
			return err
		}
	}
	return nil
}

func (p *txPass) create(rec models.StagedRecord) error {
	status := sourceStatus(rec)
	if status == models.StatusDiscontinued {
		p.skip(rec.ExternalKey, "cancelled before first sync")
		return nil
	}

	req := &models.Request{SourceName: p.src.Name, ExternalKey: rec.ExternalKey, Status: models.StatusScheduled}
	applyFields(req, rec)
	req.LastSyncedAt = &p.now
	if err := p.tx.Create(req); err != nil {
		return err
	}
	p.summary.Created++
	if status == models.StatusInProgress || status == models.StatusCompleted {
		p.log.WithFields(logrus.Fields{"external_key": rec.ExternalKey, "source_status": status}).
			Debug("Source reports equipment-owned status, created as SCHEDULED")
	}
	p.events = append(p.events, event{typ: models.EventProcedureStepCreated, data: requestData(req)})
	return nil
}

func (p *txPass) update(req *models.Request, rec models.StagedRecord) error {
	status := sourceStatus(rec)
	cancelled := status == models.StatusDiscontinued

	dirty := false
	if req.MissCount != 0 {
		req.MissCount = 0
		dirty = true
	}
	if req.StaleExternally && !cancelled {
		req.StaleExternally = false
		dirty = true
	}
	if req.Fingerprint != rec.Fingerprint && !req.Status.IsTerminal() {
		applyFields(req, rec)
		dirty = true
	}

	var (
		outcome procedure.Outcome
		flagged bool
	)
	if cancelled && !req.Status.IsTerminal() {
		o, changed, err := p.transition(req, "cancelled at source")
		if err != nil {
			return err
		}
		outcome, flagged = o, changed
		dirty = dirty || changed
	}

	switch {
	case outcome.Result == procedure.Applied:
		p.summary.Retired++
	case outcome.Result == procedure.Conflict && flagged:
		p.summary.Conflicts++
	case dirty:
		p.summary.Updated++
	default:
		p.summary.Unchanged++
		return nil
	}
	return p.save(req)
}

// missing handles a stored request the source no longer reports. Scheduled
// steps are retired after MissThreshold consecutive misses; steps already
// under way are only flagged stale.
func (p *txPass) missing(req *models.Request) error {
	if req.Status == models.StatusScheduled {
		req.MissCount++
		if req.MissCount < p.threshold() {
			p.summary.Missed++
			p.log.WithFields(logrus.Fields{"external_key": req.ExternalKey, "misses": req.MissCount}).
				Info("Request missing from source, waiting before retirement")
			return p.save(req)
		}
	}

	outcome, changed, err := p.transition(req, "missing from source")
	if err != nil {
		return err
	}
	switch {
	case outcome.Result == procedure.Applied:
		p.summary.Retired++
	case changed:
		p.summary.Conflicts++
	default:
		return nil
	}
	return p.save(req)
}

func (p *txPass) transition(req *models.Request, reason string) (procedure.Outcome, bool, error) {
	from := req.Status
	outcome, changed, err := p.tx.ApplyTransition(req, models.StatusDiscontinued, procedure.AuthoritySync, map[string]interface{}{
		"reason":      reason,
		"miss_count":  req.MissCount,
		"window_from": p.window.Start.Format(time.RFC3339),
		"window_to":   p.window.End.Format(time.RFC3339),
	})
	if err != nil {
		return outcome, false, err
	}

	entry := p.log.WithFields(logrus.Fields{
		"external_key": req.ExternalKey,
		"from":         from,
		"result":       outcome.Result,
		"reason":       reason,
	})
	if terr := outcome.Err(); terr != nil && changed {
		entry.WithError(terr).Warn("Sync transition overridden")
	} else if outcome.Changed() {
		entry.Info("Request discontinued by sync")
	}

	if changed {
		data := requestData(req)
		data["from_status"] = string(from)
		data["result"] = string(outcome.Result)
		data["authority"] = string(outcome.Authority)
		data["reason"] = reason
		p.events = append(p.events, event{typ: models.EventStepTransition, data: data})
	}
	return outcome, changed, nil
}

func (p *txPass) save(req *models.Request) error {
	req.LastSyncedAt = &p.now
	return p.tx.Update(req)
}

func (p *txPass) skip(key, reason string) {
	p.summary.Skipped++
	p.summary.SkipReasons = append(p.summary.SkipReasons, fmt.Sprintf("%s: %s", key, reason))
	p.log.WithFields(logrus.Fields{"external_key": key, "reason": reason}).Info("Record skipped")
}

func (p *txPass) threshold() int {
	if p.src.MissThreshold <= 0 {
		return models.DefaultRetireAfterMisses
	}
	return p.src.MissThreshold
}

func sourceStatus(rec models.StagedRecord) models.ProcedureStatus {
	status, _ := models.ParseProcedureStatus(rec.Fields[models.FieldStatus])
	return status
}

func requestData(req *models.Request) map[string]interface{} {
	return map[string]interface{}{
		"request_id":         req.ID,
		"external_key":       req.ExternalKey,
		"accession_number":   req.AccessionNumber,
		"study_instance_uid": req.StudyInstanceUID,
		"status":             string(req.Status),
		"stale_externally":   req.StaleExternally,
		"scheduled_date":     req.ScheduledDate,
		"scheduled_time":     req.ScheduledTime,
	}
}
