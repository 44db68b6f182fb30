package models

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProcedureStatus is the lifecycle state of a procedure step.
type ProcedureStatus string

const (
	StatusScheduled    ProcedureStatus = "SCHEDULED"
	StatusInProgress   ProcedureStatus = "IN_PROGRESS"
	StatusCompleted    ProcedureStatus = "COMPLETED"
	StatusDiscontinued ProcedureStatus = "DISCONTINUED"
)

func (s ProcedureStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusDiscontinued:
		return true
	}
	return false
}

func (s ProcedureStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDiscontinued
}

// ParseProcedureStatus accepts both the underscore form and the DICOM
// spelling ("IN PROGRESS"), case-insensitively.
func ParseProcedureStatus(value string) (ProcedureStatus, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	status := ProcedureStatus(normalized)
	return status, status.Valid()
}

// Canonical field names produced by the field transformer.
const (
	FieldExternalKey      = "external_key"
	FieldSubjectID        = "subject_id"
	FieldSubjectName      = "subject_name"
	FieldBirthDate        = "birth_date"
	FieldSex              = "sex"
	FieldModality         = "modality"
	FieldStationAETitle   = "station_ae_title"
	FieldStatus           = "status"
	FieldScheduledStart   = "scheduled_start"
	FieldScheduledEnd     = "scheduled_end"
	FieldScheduledDate    = "scheduled_date"
	FieldScheduledTime    = "scheduled_time"
	FieldScheduledAt      = "scheduled_at"
	FieldDuration         = "duration_minutes"
	FieldStudyDescription = "study_description"
	FieldDescription      = "description"
)

// Request is one imaging procedure worklist entry.
type Request struct {
	ID               string            `json:"id"`
	SourceName       string            `json:"source_name"`
	ExternalKey      string            `json:"external_key"`
	AccessionNumber  string            `json:"accession_number"`
	StudyInstanceUID string            `json:"study_instance_uid"`
	SubjectID        string            `json:"subject_id"`
	SubjectName      string            `json:"subject_name,omitempty"`
	BirthDate        string            `json:"birth_date,omitempty"`
	Sex              string            `json:"sex,omitempty"`
	Modality         string            `json:"modality,omitempty"`
	StationAETitle   string            `json:"station_ae_title,omitempty"`
	ScheduledDate    string            `json:"scheduled_date"`
	ScheduledTime    string            `json:"scheduled_time"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	DurationMinutes  int               `json:"duration_minutes,omitempty"`
	StudyDescription string            `json:"study_description,omitempty"`
	Description      string            `json:"description,omitempty"`
	Extras           map[string]string `json:"extras,omitempty"`
	Status           ProcedureStatus   `json:"status"`
	StaleExternally  bool              `json:"stale_externally"`
	MissCount        int               `json:"miss_count"`
	Fingerprint      string            `json:"fingerprint"`
	DeviceInitiated  bool              `json:"device_initiated"`
	PerformedStepUID string            `json:"performed_step_uid,omitempty"`
	LastSyncedAt     *time.Time        `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RequestFilter restricts worklist queries. Empty fields match everything;
// DateFrom/DateTo are inclusive YYYY-MM-DD bounds on the scheduled date.
type RequestFilter struct {
	SourceName       string            `json:"source_name,omitempty"`
	SubjectID        string            `json:"subject_id,omitempty"`
	SubjectName      string            `json:"subject_name,omitempty"`
	AccessionNumber  string            `json:"accession_number,omitempty"`
	StudyInstanceUID string            `json:"study_instance_uid,omitempty"`
	Modality         string            `json:"modality,omitempty"`
	StationAETitle   string            `json:"station_ae_title,omitempty"`
	Statuses         []ProcedureStatus `json:"statuses,omitempty"`
	DateFrom         string            `json:"date_from,omitempty"`
	DateTo           string            `json:"date_to,omitempty"`
	Limit            int               `json:"limit,omitempty"`
}

// ProcedureStepEvent is one audit row for an attempted status transition.
type ProcedureStepEvent struct {
	ID          int64                  `json:"id"`
	RequestID   string                 `json:"request_id"`
	SourceName  string                 `json:"source_name"`
	ExternalKey string                 `json:"external_key"`
	Authority   string                 `json:"authority"`
	FromStatus  ProcedureStatus        `json:"from_status"`
	ToStatus    ProcedureStatus        `json:"to_status"`
	Result      string                 `json:"result"`
	Reason      string                 `json:"reason,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Source configuration

type SourceConfig struct {
	Name                 string                   `yaml:"name"`
	Type                 string                   `yaml:"type"`
	Enabled              *bool                    `yaml:"enabled"`
	Interval             time.Duration            `yaml:"interval"`
	OperatingHours       OperatingHours           `yaml:"operating_hours"`
	Timezone             string                   `yaml:"timezone"`
	Window               WindowSpec               `yaml:"window"`
	RetireMissing        *bool                    `yaml:"retire_missing"`
	RetireAfterMisses    int                      `yaml:"retire_after_misses"`
	MissingSubjectPolicy string                   `yaml:"missing_subject_policy"`
	AllowedStudies       []string                 `yaml:"allowed_studies"`
	FingerprintFields    []string                 `yaml:"fingerprint_fields"`
	Config               map[string]interface{}   `yaml:"config"`
	FieldMapping         map[string]FieldRuleSpec `yaml:"field_mapping"`
}

const (
	DefaultInterval          = 60 * time.Second
	DefaultLookback          = 2.0
	DefaultLookahead         = 24 * time.Hour
	DefaultRetireAfterMisses = 2
)

const (
	WindowModeRolling = "rolling"
	WindowModeToday   = "today"
)

const (
	MissingSubjectOmit         = "omit"
	MissingSubjectUseSubjectID = "use_subject_id"
	MissingSubjectReject       = "reject"
)

func (c SourceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SourceConfig) ShouldRetireMissing() bool {
	return c.RetireMissing == nil || *c.RetireMissing
}

func (c SourceConfig) PollInterval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

func (c SourceConfig) MissThreshold() int {
	if c.RetireAfterMisses <= 0 {
		return DefaultRetireAfterMisses
	}
	return c.RetireAfterMisses
}

func (c SourceConfig) TimezoneName() string {
	if c.Timezone == "" {
		return "UTC"
	}
	return c.Timezone
}

// OperatingHours is a daily HH:MM window in the source timezone. An empty
// window means always open; End before Start wraps past midnight.
type OperatingHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type WindowSpec struct {
	Mode               string        `yaml:"mode"`
	LookbackMultiplier float64       `yaml:"lookback_multiplier"`
	Lookahead          time.Duration `yaml:"lookahead"`
}

// FieldRuleSpec is the declarative rule for one canonical target field. In
// YAML a plain scalar is shorthand for {source: <path>}.
type FieldRuleSpec struct {
	Source    string         `yaml:"source"`
	Fallbacks []string       `yaml:"fallbacks"`
	Value     *string        `yaml:"value"`
	Extract   *ExtractSpec   `yaml:"extract"`
	Lookup    *LookupSpec    `yaml:"lookup"`
	Timestamp *TimestampSpec `yaml:"timestamp"`
}

func (f *FieldRuleSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Source = node.Value
		return nil
	}
	type plain FieldRuleSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FieldRuleSpec(p)
	return nil
}

type ExtractSpec struct {
	Pattern string `yaml:"pattern"`
	Group   int    `yaml:"group"`
}

type LookupSpec struct {
	Table   map[string]string `yaml:"table"`
	Default string            `yaml:"default"`
}

type TimestampSpec struct {
	Layouts  []string `yaml:"layouts"`
	Timezone string   `yaml:"timezone"`
}

// Sync pipeline

// SyncWindow is the half-open [Start, End) range queried on one poll.
type SyncWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w SyncWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RawRecord is one opaque record as returned by a source plugin.
type RawRecord map[string]interface{}

// StagedRecord is a transformed and fingerprinted record ready to reconcile.
type StagedRecord struct {
	ExternalKey string
	Fields      map[string]string
	Fingerprint string
}

type PollSummary struct {
	Source      string        `json:"source"`
	Window      SyncWindow    `json:"window"`
	Fetched     int           `json:"fetched"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Unchanged   int           `json:"unchanged"`
	Retired     int           `json:"retired"`
	Missed      int           `json:"missed"`
	Skipped     int           `json:"skipped"`
	Conflicts   int           `json:"conflicts"`
	SkipReasons []string      `json:"skip_reasons,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Writes reports the number of request rows touched by the pass.
func (s PollSummary) Writes() int {
	return s.Created + s.Updated + s.Retired + s.Missed + s.Conflicts
}

type SourceSyncState struct {
	SourceName          string     `json:"source_name"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFetched         int        `json:"last_fetched"`
	LastCreated         int        `json:"last_created"`
	LastUpdated         int        `json:"last_updated"`
	LastRetired         int        `json:"last_retired"`
	LastSkipped         int        `json:"last_skipped"`
	LastConflicts       int        `json:"last_conflicts"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventSyncPass             = "sync.pass"
	EventStepTransition       = "procedure_step.transition"
	EventProcedureStepBegin   = "procedure_step.begin"
	EventProcedureStepEnd     = "procedure_step.end"
	EventProcedureStepCreated = "procedure_step.created"
)
