package worklist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/procedure"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Locator identifies a request from the equipment side. The first non-empty
// identifier wins, in field order.
type Locator struct {
	PerformedStepUID string
	AccessionNumber  string
	StudyInstanceUID string
	SourceName       string
	ExternalKey      string
}

func (l Locator) Empty() bool {
	return l.PerformedStepUID == "" && l.AccessionNumber == "" && l.StudyInstanceUID == "" && (l.SourceName == "" || l.ExternalKey == "")
}

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source. Used by tests.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) Now() time.Time {
	return r.now()
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RequestRow{}, &EventRow{}, &SyncStateRow{})
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InTx runs fn inside one database transaction. Any error rolls back every
// write made through tx.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		fnErr = fn(&Tx{db: db, now: r.now})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return storeErr("transaction", err)
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Request, error) {
	var row RequestRow
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, storeErr("get request", result.Error)
	}
	return toModel(&row), nil
}

func (r *Repository) FindForStep(ctx context.Context, loc Locator) (*models.Request, error) {
	return findForStep(r.db.WithContext(ctx), loc)
}

func (r *Repository) Query(ctx context.Context, filter models.RequestFilter) ([]models.Request, error) {
	q := r.db.WithContext(ctx).Model(&RequestRow{})
	if filter.SourceName != "" {
		q = q.Where("source_name = ?", filter.SourceName)
	}
	if filter.SubjectID != "" {
		q = q.Where("subject_id = ?", filter.SubjectID)
	}
	if filter.SubjectName != "" {
		q = whereMatch(q, "subject_name", filter.SubjectName)
	}
	if filter.AccessionNumber != "" {
		q = q.Where("accession_number = ?", filter.AccessionNumber)
	}
	if filter.StudyInstanceUID != "" {
		q = q.Where("study_instance_uid = ?", filter.StudyInstanceUID)
	}
	if filter.Modality != "" {
		q = q.Where("modality = ?", filter.Modality)
	}
	if filter.StationAETitle != "" {
		q = q.Where("station_ae_title = ?", filter.StationAETitle)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.DateFrom != "" {
		q = q.Where("scheduled_date >= ?", filter.DateFrom)
	}
	if filter.DateTo != "" {
		q = q.Where("scheduled_date <= ?", filter.DateTo)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []RequestRow
	if err := q.Order("scheduled_date, scheduled_time, id").Find(&rows).Error; err != nil {
		return nil, storeErr("query requests", err)
	}
	out := make([]models.Request, 0, len(rows))
	for i := range rows {
		out = append(out, *toModel(&rows[i]))
	}
	return out, nil
}

// whereMatch treats '*' and '?' as DICOM style wildcards.
func whereMatch(q *gorm.DB, column, pattern string) *gorm.DB {
	if !strings.ContainsAny(pattern, "*?") {
		return q.Where(column+" = ?", pattern)
	}
	like := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%", "?", "_").Replace(pattern)
	return q.Where(column+` LIKE ? ESCAPE '\'`, like)
}

// TransitionLocked evaluates and applies a transition for one request under
// a row lock.
func (r *Repository) TransitionLocked(ctx context.Context, loc Locator, to models.ProcedureStatus, authority procedure.Authority, detail map[string]interface{}) (*models.Request, procedure.Outcome, error) {
	var (
		req     *models.Request
		outcome procedure.Outcome
	)
	err := r.InTx(ctx, func(tx *Tx) error {
		found, err := tx.FindForStep(loc)
		if err != nil {
			return err
		}
		o, dirty, err := tx.ApplyTransition(found, to, authority, detail)
		if err != nil {
			return err
		}
		if dirty {
			if err := tx.Update(found); err != nil {
				return err
			}
		}
		req, outcome = found, o
		return nil
	})
	if err != nil {
		return nil, procedure.Outcome{}, err
	}
	return req, outcome, nil
}

func (r *Repository) Events(ctx context.Context, requestID string) ([]models.ProcedureStepEvent, error) {
	var rows []EventRow
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).Order("id").Find(&rows).Error; err != nil {
		return nil, storeErr("list events", err)
	}
	out := make([]models.ProcedureStepEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventToModel(row))
	}
	return out, nil
}

func (r *Repository) SyncStates(ctx context.Context) ([]models.SourceSyncState, error) {
	var rows []SyncStateRow
	if err := r.db.WithContext(ctx).Order("source_name").Find(&rows).Error; err != nil {
		return nil, storeErr("list sync states", err)
	}
	out := make([]models.SourceSyncState, 0, len(rows))
	for _, row := range rows {
		out = append(out, syncStateToModel(row))
	}
	return out, nil
}

func (r *Repository) SyncState(ctx context.Context, source string) (models.SourceSyncState, error) {
	return syncState(r.db.WithContext(ctx), source)
}

// RecordSyncFailure notes a failed pass without touching any request.
func (r *Repository) RecordSyncFailure(ctx context.Context, source string, cause error) error {
	return r.InTx(ctx, func(tx *Tx) error {
		state, err := tx.SyncState(source)
		if err != nil {
			return err
		}
		now := tx.Now()
		state.LastAttemptAt = &now
		state.ConsecutiveFailures++
		if cause != nil {
			state.LastError = cause.Error()
		}
		return tx.SaveSyncState(state)
	})
}

// CountBySource returns the number of stored requests per source.
func (r *Repository) CountBySource(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		SourceName string
		Total      int64
	}
	err := r.db.WithContext(ctx).Model(&RequestRow{}).
		Select("source_name, COUNT(*) AS total").
		Group("source_name").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("count requests", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.SourceName] = row.Total
	}
	return out, nil
}

// Tx is the write surface of one reconciliation pass or equipment call.
type Tx struct {
	db  *gorm.DB
	now func() time.Time
}

func (t *Tx) Now() time.Time {
	return t.now()
}

// locked adds FOR UPDATE where the dialect supports it. SQLite serialises
// writers through its single connection instead.
func (t *Tx) locked() *gorm.DB {
	if t.db.Dialector.Name() == "sqlite" {
		return t.db
	}
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ListSourceRequests loads and locks every request of source.
func (t *Tx) ListSourceRequests(source string) ([]*models.Request, error) {
	var rows []RequestRow
	if err := t.locked().Where("source_name = ?", source).Order("external_key").Find(&rows).Error; err != nil {
		return nil, storeErr("list source requests", err)
	}
	out := make([]*models.Request, 0, len(rows))
	for i := range rows {
		out = append(out, toModel(&rows[i]))
	}
	return out, nil
}

func (t *Tx) FindForStep(loc Locator) (*models.Request, error) {
	return findForStep(t.locked(), loc)
}

// Create inserts req, generating its id, accession number and study
// instance UID when they are empty.
func (t *Tx) Create(req *models.Request) error {
	now := t.now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.AccessionNumber == "" {
		req.AccessionNumber = NewAccessionNumber()
	}
	if req.StudyInstanceUID == "" {
		req.StudyInstanceUID = NewUID()
	}
	if req.Status == "" {
		req.Status = models.StatusScheduled
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := t.db.Create(fromModel(req)).Error; err != nil {
		return storeErr("create request", err)
	}
	return nil
}

// Update writes every mutable column of req.
func (t *Tx) Update(req *models.Request) error {
	req.UpdatedAt = t.now()
	result := t.db.Model(&RequestRow{}).Where("id = ?", req.ID).Updates(mutableColumns(req))
	if result.Error != nil {
		return storeErr("update request", result.Error)
	}
	if result.RowsAffected == 0 {
		return storeErr("update request", ErrNotFound)
	}
	return nil
}

// ApplyTransition evaluates a status change for req, mutates it in memory
// and records an audit event. The returned flag reports whether req must be
// persisted by the caller.
func (t *Tx) ApplyTransition(req *models.Request, to models.ProcedureStatus, authority procedure.Authority, detail map[string]interface{}) (procedure.Outcome, bool, error) {
	outcome := procedure.Evaluate(req.Status, to, authority)

	dirty := false
	record := false
	switch outcome.Result {
	case procedure.Applied:
		req.Status = to
		dirty = true
		record = true
	case procedure.Conflict:
		if !req.StaleExternally {
			req.StaleExternally = true
			dirty = true
			record = true
		}
	case procedure.Rejected:
		record = true
	}

	if record {
		if err := t.appendEvent(req, outcome, detail); err != nil {
			return outcome, false, err
		}
	}
	return outcome, dirty, nil
}

func (t *Tx) appendEvent(req *models.Request, outcome procedure.Outcome, detail map[string]interface{}) error {
	row := EventRow{
		RequestID:   req.ID,
		SourceName:  req.SourceName,
		ExternalKey: req.ExternalKey,
		Authority:   string(outcome.Authority),
		FromStatus:  string(outcome.From),
		ToStatus:    string(outcome.To),
		Result:      string(outcome.Result),
		Reason:      outcome.Reason,
		Detail:      datatypes.JSONMap(detail),
		CreatedAt:   t.now(),
	}
	if row.Detail == nil {
		row.Detail = datatypes.JSONMap{}
	}
	if err := t.db.Create(&row).Error; err != nil {
		return storeErr("append event", err)
	}
	return nil
}

func (t *Tx) SyncState(source string) (models.SourceSyncState, error) {
	return syncState(t.db, source)
}

func (t *Tx) SaveSyncState(state models.SourceSyncState) error {
	row := syncStateFromModel(state)
	row.UpdatedAt = t.now()
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_name"}},
		UpdateAll: true,
	}).Create(&row).Error
	return storeErr("save sync state", err)
}

func findForStep(db *gorm.DB, loc Locator) (*models.Request, error) {
	var row RequestRow
	q := db
	switch {
	case loc.PerformedStepUID != "":
		q = q.Where("performed_step_uid = ?", loc.PerformedStepUID)
	case loc.AccessionNumber != "":
		q = q.Where("accession_number = ?", loc.AccessionNumber)
	case loc.StudyInstanceUID != "":
		q = q.Where("study_instance_uid = ?", loc.StudyInstanceUID)
	case loc.SourceName != "" && loc.ExternalKey != "":
		q = q.Where("source_name = ? AND external_key = ?", loc.SourceName, loc.ExternalKey)
	default:
		return nil, ErrNotFound
	}

	result := q.First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, storeErr("find request", result.Error)
	}
	return toModel(&row), nil
}

func syncState(db *gorm.DB, source string) (models.SourceSyncState, error) {
	var row SyncStateRow
	result := db.First(&row, "source_name = ?", source)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return models.SourceSyncState{SourceName: source}, nil
	}
	if result.Error != nil {
		return models.SourceSyncState{}, storeErr("load sync state", result.Error)
	}
	return syncStateToModel(row), nil
}
