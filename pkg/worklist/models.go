package worklist

import (
	"time"

	"github.com/synaptica-ai/worklist/pkg/common/models"
	"gorm.io/datatypes"
)

type RequestRow struct {
	ID               string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	SourceName       string            `gorm:"column:source_name;not null;uniqueIndex:idx_worklist_source_key,priority:1"`
	ExternalKey      string            `gorm:"column:external_key;not null;uniqueIndex:idx_worklist_source_key,priority:2"`
	AccessionNumber  string            `gorm:"column:accession_number;not null;uniqueIndex:idx_worklist_accession"`
	StudyInstanceUID string            `gorm:"column:study_instance_uid;not null;uniqueIndex:idx_worklist_study_uid"`
	SubjectID        string            `gorm:"column:subject_id;index"`
	SubjectName      string            `gorm:"column:subject_name"`
	BirthDate        string            `gorm:"column:birth_date"`
	Sex              string            `gorm:"column:sex"`
	Modality         string            `gorm:"column:modality"`
	StationAETitle   string            `gorm:"column:station_ae_title"`
	ScheduledDate    string            `gorm:"column:scheduled_date;index"`
	ScheduledTime    string            `gorm:"column:scheduled_time"`
	ScheduledAt      *time.Time        `gorm:"column:scheduled_at;index"`
	DurationMinutes  int               `gorm:"column:duration_minutes"`
	StudyDescription string            `gorm:"column:study_description"`
	Description      string            `gorm:"column:description"`
	Extras           datatypes.JSONMap `gorm:"column:extras"`
	Status           string            `gorm:"column:status;not null;index"`
	StaleExternally  bool              `gorm:"column:stale_externally;not null;default:false"`
	MissCount        int               `gorm:"column:miss_count;not null;default:0"`
	Fingerprint      string            `gorm:"column:fingerprint"`
	DeviceInitiated  bool              `gorm:"column:device_initiated;not null;default:false"`
	PerformedStepUID string            `gorm:"column:performed_step_uid;index"`
	LastSyncedAt     *time.Time        `gorm:"column:last_synced_at"`
	CreatedAt        time.Time         `gorm:"column:created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at"`
}

func (RequestRow) TableName() string {
	return "worklist_requests"
}

type EventRow struct {
	ID          int64             `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID   string            `gorm:"column:request_id;index"`
	SourceName  string            `gorm:"column:source_name"`
	ExternalKey string            `gorm:"column:external_key"`
	Authority   string            `gorm:"column:authority"`
	FromStatus  string            `gorm:"column:from_status"`
	ToStatus    string            `gorm:"column:to_status"`
	Result      string            `gorm:"column:result"`
	Reason      string            `gorm:"column:reason"`
	Detail      datatypes.JSONMap `gorm:"column:detail"`
	CreatedAt   time.Time         `gorm:"column:created_at;index"`
}

func (EventRow) TableName() string {
	return "procedure_step_events"
}

type SyncStateRow struct {
	SourceName          string     `gorm:"primaryKey;column:source_name"`
	LastAttemptAt       *time.Time `gorm:"column:last_attempt_at"`
	LastSuccessAt       *time.Time `gorm:"column:last_success_at"`
	LastError           string     `gorm:"column:last_error"`
	ConsecutiveFailures int        `gorm:"column:consecutive_failures"`
	LastFetched         int        `gorm:"column:last_fetched"`
	LastCreated         int        `gorm:"column:last_created"`
	LastUpdated         int        `gorm:"column:last_updated"`
	LastRetired         int        `gorm:"column:last_retired"`
	LastSkipped         int        `gorm:"column:last_skipped"`
	LastConflicts       int        `gorm:"column:last_conflicts"`
	UpdatedAt           time.Time  `gorm:"column:updated_at"`
}

func (SyncStateRow) TableName() string {
	return "source_sync_states"
}

func toModel(row *RequestRow) *models.Request {
	req := &models.Request{
		ID:               row.ID,
		SourceName:       row.SourceName,
		ExternalKey:      row.ExternalKey,
		AccessionNumber:  row.AccessionNumber,
		StudyInstanceUID: row.StudyInstanceUID,
		SubjectID:        row.SubjectID,
		SubjectName:      row.SubjectName,
		BirthDate:        row.BirthDate,
		Sex:              row.Sex,
		Modality:         row.Modality,
		StationAETitle:   row.StationAETitle,
		ScheduledDate:    row.ScheduledDate,
		ScheduledTime:    row.ScheduledTime,
		ScheduledAt:      utcPtr(row.ScheduledAt),
		DurationMinutes:  row.DurationMinutes,
		StudyDescription: row.StudyDescription,
		Description:      row.Description,
		Status:           models.ProcedureStatus(row.Status),
		StaleExternally:  row.StaleExternally,
		MissCount:        row.MissCount,
		Fingerprint:      row.Fingerprint,
		DeviceInitiated:  row.DeviceInitiated,
		PerformedStepUID: row.PerformedStepUID,
		LastSyncedAt:     utcPtr(row.LastSyncedAt),
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
	if len(row.Extras) > 0 {
		req.Extras = make(map[string]string, len(row.Extras))
		for k, v := range row.Extras {
			if s, ok := v.(string); ok {
				req.Extras[k] = s
			}
		}
	}
	return req
}

func fromModel(req *models.Request) *RequestRow {
	row := &RequestRow{
		ID:               req.ID,
		SourceName:       req.SourceName,
		ExternalKey:      req.ExternalKey,
		AccessionNumber:  req.AccessionNumber,
		StudyInstanceUID: req.StudyInstanceUID,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
	}
	row.SubjectID = req.SubjectID
	row.SubjectName = req.SubjectName
	row.BirthDate = req.BirthDate
	row.Sex = req.Sex
	row.Modality = req.Modality
	row.StationAETitle = req.StationAETitle
	row.ScheduledDate = req.ScheduledDate
	row.ScheduledTime = req.ScheduledTime
	row.ScheduledAt = req.ScheduledAt
	row.DurationMinutes = req.DurationMinutes
	row.StudyDescription = req.StudyDescription
	row.Description = req.Description
	row.Extras = extrasJSON(req.Extras)
	row.Status = string(req.Status)
	row.StaleExternally = req.StaleExternally
	row.MissCount = req.MissCount
	row.Fingerprint = req.Fingerprint
	row.DeviceInitiated = req.DeviceInitiated
	row.PerformedStepUID = req.PerformedStepUID
	row.LastSyncedAt = req.LastSyncedAt
	return row
}

// mutableColumns lists every column an update may touch. Identity columns
// and generated identifiers are never updated.
func mutableColumns(req *models.Request) map[string]interface{} {
	return map[string]interface{}{
		"subject_id":         req.SubjectID,
		"subject_name":       req.SubjectName,
		"birth_date":         req.BirthDate,
		"sex":                req.Sex,
		"modality":           req.Modality,
		"station_ae_title":   req.StationAETitle,
		"scheduled_date":     req.ScheduledDate,
		"scheduled_time":     req.ScheduledTime,
		"scheduled_at":       req.ScheduledAt,
		"duration_minutes":   req.DurationMinutes,
		"study_description":  req.StudyDescription,
		"description":        req.Description,
		"extras":             extrasJSON(req.Extras),
		"status":             string(req.Status),
		"stale_externally":   req.StaleExternally,
		"miss_count":         req.MissCount,
		"fingerprint":        req.Fingerprint,
		"performed_step_uid": req.PerformedStepUID,
		"last_synced_at":     req.LastSyncedAt,
		"updated_at":         req.UpdatedAt,
	}
}

func extrasJSON(extras map[string]string) datatypes.JSONMap {
	if len(extras) == 0 {
		return datatypes.JSONMap{}
	}
	out := make(datatypes.JSONMap, len(extras))
	for k, v := range extras {
		out[k] = v
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func eventToModel(row EventRow) models.ProcedureStepEvent {
	return models.ProcedureStepEvent{
		ID:          row.ID,
		RequestID:   row.RequestID,
		SourceName:  row.SourceName,
		ExternalKey: row.ExternalKey,
		Authority:   row.Authority,
		FromStatus:  models.ProcedureStatus(row.FromStatus),
		ToStatus:    models.ProcedureStatus(row.ToStatus),
		Result:      row.Result,
		Reason:      row.Reason,
		Detail:      map[string]interface{}(row.Detail),
		CreatedAt:   row.CreatedAt.UTC(),
	}
}

func syncStateToModel(row SyncStateRow) models.SourceSyncState {
	return models.SourceSyncState{
		SourceName:          row.SourceName,
		LastAttemptAt:       utcPtr(row.LastAttemptAt),
		LastSuccessAt:       utcPtr(row.LastSuccessAt),
		LastError:           row.LastError,
		ConsecutiveFailures: row.ConsecutiveFailures,
		LastFetched:         row.LastFetched,
		LastCreated:         row.LastCreated,
		LastUpdated:         row.LastUpdated,
		LastRetired:         row.LastRetired,
		LastSkipped:         row.LastSkipped,
		LastConflicts:       row.LastConflicts,
	}
}

func syncStateFromModel(state models.SourceSyncState) SyncStateRow {
	return SyncStateRow{
		SourceName:          state.SourceName,
		LastAttemptAt:       state.LastAttemptAt,
		LastSuccessAt:       state.LastSuccessAt,
		LastError:           state.LastError,
		ConsecutiveFailures: state.ConsecutiveFailures,
		LastFetched:         state.LastFetched,
		LastCreated:         state.LastCreated,
		LastUpdated:         state.LastUpdated,
		LastRetired:         state.LastRetired,
		LastSkipped:         state.LastSkipped,
		LastConflicts:       state.LastConflicts,
	}
}
