// Package equipment applies status reports from imaging equipment. The
// equipment is the authority for IN_PROGRESS and COMPLETED, and wins over
// sync once a step has started.
package equipment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/kafka"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/observability/metrics"
	"github.com/synaptica-ai/worklist/pkg/procedure"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

const DefaultDeviceSource = "device"

var (
	ErrUnknownStep       = errors.New("no worklist request matches the procedure step")
	ErrMissingIdentifier = errors.New("procedure step carries no identifier")
	ErrInvalidOutcome    = errors.New("step outcome must be COMPLETED or DISCONTINUED")
)

// StepRef identifies the request a step refers to. Identifiers are tried
// in field order until one matches.
type StepRef struct {
	PerformedStepUID string `json:"performed_step_uid,omitempty"`
	AccessionNumber  string `json:"accession_number,omitempty"`
	StudyInstanceUID string `json:"study_instance_uid,omitempty"`
	SourceName       string `json:"source_name,omitempty"`
	ExternalKey      string `json:"external_key,omitempty"`
}

func (r StepRef) locators() []worklist.Locator {
	candidates := []worklist.Locator{
		{PerformedStepUID: r.PerformedStepUID},
		{AccessionNumber: r.AccessionNumber},
		{StudyInstanceUID: r.StudyInstanceUID},
		{SourceName: r.SourceName, ExternalKey: r.ExternalKey},
	}
	var out []worklist.Locator
	for _, loc := range candidates {
		if !loc.Empty() {
			out = append(out, loc)
		}
	}
	return out
}

// BeginStep is an equipment report that work on a step has started. The
// subject and station fields are only used for device-initiated requests.
type BeginStep struct {
	StepRef
	StationAETitle   string    `json:"station_ae_title,omitempty"`
	Modality         string    `json:"modality,omitempty"`
	SubjectID        string    `json:"subject_id,omitempty"`
	SubjectName      string    `json:"subject_name,omitempty"`
	BirthDate        string    `json:"birth_date,omitempty"`
	Sex              string    `json:"sex,omitempty"`
	StudyDescription string    `json:"study_description,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

type EndStep struct {
	StepRef
	Status models.ProcedureStatus `json:"status"`
	Reason string                 `json:"reason,omitempty"`
}

type Result struct {
	Request *models.Request   `json:"request"`
	Outcome procedure.Outcome `json:"outcome"`
	Created bool              `json:"created"`
}

type Options struct {
	AllowDeviceInitiated bool
	DeviceSourceName     string
	Publisher            kafka.Publisher
	Logger               *logrus.Entry
}

type Service struct {
	repo        *worklist.Repository
	publisher   kafka.Publisher
	allowDevice bool
	deviceName  string
	log         *logrus.Entry
}

func NewService(repo *worklist.Repository, opts Options) *Service {
	if opts.Publisher == nil {
		opts.Publisher = kafka.NopPublisher{}
	}
	if opts.DeviceSourceName == "" {
		opts.DeviceSourceName = DefaultDeviceSource
	}
	return &Service{
		repo:        repo,
		publisher:   opts.Publisher,
		allowDevice: opts.AllowDeviceInitiated,
		deviceName:  opts.DeviceSourceName,
		log:         logger.Component(opts.Logger, "equipment"),
	}
}

// Query returns the requests equipment may still work on. Requested
// statuses outside SCHEDULED and IN_PROGRESS are dropped.
func (s *Service) Query(ctx context.Context, filter models.RequestFilter) ([]models.Request, error) {
	open := []models.ProcedureStatus{models.StatusScheduled, models.StatusInProgress}
	if len(filter.Statuses) > 0 {
		var kept []models.ProcedureStatus
		for _, st := range filter.Statuses {
			if !st.IsTerminal() && st.Valid() {
				kept = append(kept, st)
			}
		}
		if len(kept) == 0 {
			return []models.Request{}, nil
		}
		open = kept
	}
	filter.Statuses = open
	return s.repo.Query(ctx, filter)
}

// BeginStep moves the located request to IN_PROGRESS under its row lock.
// A repeated begin leaves the request untouched.
func (s *Service) BeginStep(ctx context.Context, step BeginStep) (Result, error) {
	if step.StartedAt.IsZero() {
		step.StartedAt = s.repo.Now()
	}
	locs := step.locators()
	if len(locs) == 0 {
		return Result{}, ErrMissingIdentifier
	}

	detail := map[string]interface{}{
		"performed_step_uid": step.PerformedStepUID,
		"station_ae_title":   step.StationAETitle,
		"started_at":         step.StartedAt.UTC().Format(time.RFC3339),
	}

	var res Result
	err := s.repo.InTx(ctx, func(tx *worklist.Tx) error {
		req, err := locate(tx, locs)
		if errors.Is(err, worklist.ErrNotFound) && s.allowDevice && step.StudyInstanceUID != "" {
			req, err = s.createDeviceRequest(tx, step)
			res.Created = err == nil
		}
		if err != nil {
			return err
		}

		outcome, dirty, err := tx.ApplyTransition(req, models.StatusInProgress, procedure.AuthorityEquipment, detail)
		if err != nil {
			return err
		}
		if outcome.Changed() {
			if step.PerformedStepUID != "" {
				req.PerformedStepUID = step.PerformedStepUID
			}
			if step.StationAETitle != "" && req.StationAETitle == "" {
				req.StationAETitle = step.StationAETitle
			}
			// A sync pass already missed this request once; the retirement it
			// would have applied is now overridden.
			if req.MissCount > 0 {
				req.StaleExternally = true
			}
			dirty = true
		}
		if dirty {
			if err := tx.Update(req); err != nil {
				return err
			}
		}
		res.Request, res.Outcome = req, outcome
		return nil
	})
	if err != nil {
		return Result{}, s.lookupErr(err, step.StepRef)
	}
	return res, s.finish(ctx, res, "begin")
}

// EndStep completes or discontinues the located request.
func (s *Service) EndStep(ctx context.Context, step EndStep) (Result, error) {
	status, ok := models.ParseProcedureStatus(string(step.Status))
	if !ok || !status.IsTerminal() {
		return Result{}, fmt.Errorf("%w: got %q", ErrInvalidOutcome, step.Status)
	}
	locs := step.locators()
	if len(locs) == 0 {
		return Result{}, ErrMissingIdentifier
	}

	detail := map[string]interface{}{"performed_step_uid": step.PerformedStepUID}
	if step.Reason != "" {
		detail["reason"] = step.Reason
	}

	var res Result
	err := s.repo.InTx(ctx, func(tx *worklist.Tx) error {
		req, err := locate(tx, locs)
		if err != nil {
			return err
		}
		outcome, dirty, err := tx.ApplyTransition(req, status, procedure.AuthorityEquipment, detail)
		if err != nil {
			return err
		}
		if dirty {
			if err := tx.Update(req); err != nil {
				return err
			}
		}
		res.Request, res.Outcome = req, outcome
		return nil
	})
	if err != nil {
		return Result{}, s.lookupErr(err, step.StepRef)
	}
	return res, s.finish(ctx, res, "end")
}

func locate(tx *worklist.Tx, locs []worklist.Locator) (*models.Request, error) {
	for _, loc := range locs {
		req, err := tx.FindForStep(loc)
		if errors.Is(err, worklist.ErrNotFound) {
			continue
		}
		return req, err
	}
	return nil, worklist.ErrNotFound
}

func (s *Service) createDeviceRequest(tx *worklist.Tx, step BeginStep) (*models.Request, error) {
	started := step.StartedAt.UTC()
	subjectID := step.SubjectID
	if subjectID == "" {
		subjectID = step.StudyInstanceUID
	}
	req := &models.Request{
		SourceName:       s.deviceName,
		ExternalKey:      step.StudyInstanceUID,
		AccessionNumber:  step.AccessionNumber,
		StudyInstanceUID: step.StudyInstanceUID,
		SubjectID:        subjectID,
		SubjectName:      step.SubjectName,
		BirthDate:        step.BirthDate,
		Sex:              step.Sex,
		Modality:         step.Modality,
		StationAETitle:   step.StationAETitle,
		ScheduledDate:    started.Format("2006-01-02"),
		ScheduledTime:    started.Format("15:04:05"),
		ScheduledAt:      &started,
		StudyDescription: step.StudyDescription,
		Status:           models.StatusScheduled,
		DeviceInitiated:  true,
	}
	if err := tx.Create(req); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"study_instance_uid": req.StudyInstanceUID,
		"station_ae_title":   req.StationAETitle,
	}).Info("Created device-initiated request")
	return req, nil
}

func (s *Service) lookupErr(err error, ref StepRef) error {
	if errors.Is(err, worklist.ErrNotFound) {
		s.log.WithFields(logrus.Fields{
			"performed_step_uid": ref.PerformedStepUID,
			"accession_number":   ref.AccessionNumber,
			"study_instance_uid": ref.StudyInstanceUID,
		}).Warn("Procedure step does not match any request")
		return ErrUnknownStep
	}
	s.log.WithError(err).Error("Procedure step update failed")
	return err
}

// finish records metrics and publishes the transition once committed. A
// rejected transition is returned as an error after its audit row is kept.
func (s *Service) finish(ctx context.Context, res Result, op string) error {
	outcome := res.Outcome
	if outcome.Result == procedure.Unchanged {
		s.log.WithFields(logrus.Fields{"request_id": res.Request.ID, "op": op}).Debug("Procedure step already applied")
		return nil
	}
	metrics.ObserveEquipmentTransition(outcome.Changed())

	entry := s.log.WithFields(logrus.Fields{
		"request_id":   res.Request.ID,
		"source":       res.Request.SourceName,
		"external_key": res.Request.ExternalKey,
		"from":         outcome.From,
		"to":           outcome.To,
		"op":           op,
	})
	if err := outcome.Err(); err != nil {
		entry.WithError(err).Warn("Equipment transition refused")
		return err
	}
	entry.Info("Equipment transition applied")

	data := map[string]interface{}{
		"request_id":         res.Request.ID,
		"external_key":       res.Request.ExternalKey,
		"accession_number":   res.Request.AccessionNumber,
		"study_instance_uid": res.Request.StudyInstanceUID,
		"performed_step_uid": res.Request.PerformedStepUID,
		"status":             string(res.Request.Status),
		"stale_externally":   res.Request.StaleExternally,
		"from_status":        string(outcome.From),
		"result":             string(outcome.Result),
		"authority":          string(outcome.Authority),
		"device_initiated":   res.Created,
	}
	if err := s.publisher.PublishEvent(ctx, models.EventStepTransition, res.Request.SourceName, data); err != nil {
		entry.WithError(err).Warn("Failed to publish step transition")
	}
	return nil
}
