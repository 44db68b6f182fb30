package transform

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"golang.org/x/text/unicode/norm"
)

var requiredFields = []string{
	models.FieldExternalKey,
	models.FieldSubjectID,
	models.FieldScheduledDate,
	models.FieldScheduledTime,
}

type Options struct {
	// Location interprets zone-less timestamps. Defaults to UTC.
	Location             *time.Location
	MissingSubjectPolicy string
	Logger               *logrus.Entry
}

type compiledRule struct {
	target string
	rule   Rule
}

type Transformer struct {
	rules  []compiledRule
	loc    *time.Location
	policy string
	log    *logrus.Entry
}

// Compile validates mapping eagerly and returns a reusable Transformer.
func Compile(mapping map[string]models.FieldRuleSpec, opts Options) (*Transformer, error) {
	if len(mapping) == 0 {
		return nil, &TransformError{Reason: "field mapping is empty"}
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	policy := opts.MissingSubjectPolicy
	switch policy {
	case "":
		policy = models.MissingSubjectOmit
	case models.MissingSubjectOmit, models.MissingSubjectUseSubjectID, models.MissingSubjectReject:
	default:
		return nil, &TransformError{Reason: fmt.Sprintf("unknown missing_subject_policy %q", policy)}
	}

	targets := make([]string, 0, len(mapping))
	for target := range mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	t := &Transformer{
		loc:    loc,
		policy: policy,
		log:    logger.Component(opts.Logger, "transform"),
	}
	for _, target := range targets {
		rule, err := compileRule(target, mapping[target], loc)
		if err != nil {
			return nil, err
		}
		t.rules = append(t.rules, compiledRule{target: target, rule: rule})
	}

	for _, field := range []string{models.FieldExternalKey, models.FieldSubjectID} {
		if _, ok := mapping[field]; !ok {
			return nil, fieldError(field, "required field has no mapping rule")
		}
	}
	_, hasStart := mapping[models.FieldScheduledStart]
	_, hasDate := mapping[models.FieldScheduledDate]
	if !hasStart && !hasDate {
		return nil, fieldError(models.FieldScheduledStart, "one of scheduled_start or scheduled_date must be mapped")
	}
	return t, nil
}

func compileRule(target string, spec models.FieldRuleSpec, loc *time.Location) (Rule, error) {
	kinds := 0
	for _, set := range []bool{spec.Value != nil, spec.Extract != nil, spec.Lookup != nil, spec.Timestamp != nil} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return nil, fieldError(target, "rule must set only one of value, extract, lookup, timestamp")
	}
	if spec.Value != nil {
		return Constant{Value: *spec.Value}, nil
	}

	source := strings.TrimSpace(spec.Source)
	if source == "" {
		return nil, fieldError(target, "source path is empty")
	}
	paths := append([]string{source}, spec.Fallbacks...)

	switch {
	case spec.Extract != nil:
		re, err := regexp.Compile(spec.Extract.Pattern)
		if err != nil {
			return nil, &TransformError{Field: target, Reason: "invalid pattern", Err: err}
		}
		if spec.Extract.Group < 0 || spec.Extract.Group > re.NumSubexp() {
			return nil, fieldError(target, "capture group %d does not exist in pattern %q", spec.Extract.Group, spec.Extract.Pattern)
		}
		return PatternExtract{Field: target, Paths: paths, Pattern: re, Group: spec.Extract.Group}, nil

	case spec.Lookup != nil:
		table := spec.Lookup.Table
		def := spec.Lookup.Default
		if target == models.FieldStatus {
			var err error
			if table, def, err = normalizeStatusTable(table, def); err != nil {
				return nil, err
			}
		}
		return NewEnumLookup(target, paths, table, def), nil

	case spec.Timestamp != nil:
		tsLoc := loc
		if spec.Timestamp.Timezone != "" {
			l, err := time.LoadLocation(spec.Timestamp.Timezone)
			if err != nil {
				return nil, &TransformError{Field: target, Reason: "invalid timezone", Err: err}
			}
			tsLoc = l
		}
		layouts := spec.Timestamp.Layouts
		if len(layouts) == 0 {
			layouts = defaultLayouts
		}
		return Timestamp{Field: target, Paths: paths, Layouts: layouts, Location: tsLoc}, nil
	}

	if isTimestampField(target) {
		return Timestamp{Field: target, Paths: paths, Layouts: defaultLayouts, Location: loc}, nil
	}
	return DirectField{Paths: paths}, nil
}

func isTimestampField(target string) bool {
	return target == models.FieldScheduledStart || target == models.FieldScheduledEnd
}

func normalizeStatusTable(table map[string]string, def string) (map[string]string, string, error) {
	out := make(map[string]string, len(table))
	for from, to := range table {
		status, ok := models.ParseProcedureStatus(to)
		if !ok {
			return nil, "", fieldError(models.FieldStatus, "lookup value %q for %q is not a procedure status", to, from)
		}
		out[from] = string(status)
	}
	if def != "" {
		status, ok := models.ParseProcedureStatus(def)
		if !ok {
			return nil, "", fieldError(models.FieldStatus, "lookup default %q is not a procedure status", def)
		}
		def = string(status)
	}
	return out, def, nil
}

// Transform applies every rule to raw. A returned error is always a
// *TransformError and means the record must be skipped.
func (t *Transformer) Transform(raw models.RawRecord) (map[string]string, error) {
	fields, err := t.transform(raw)
	if err != nil {
		var te *TransformError
		if errors.As(err, &te) && te.ExternalKey == "" {
			te.ExternalKey = t.externalKey(raw)
		}
		return nil, err
	}
	return fields, nil
}

// externalKey resolves only the external_key rule so a rejected record can
// still be identified.
func (t *Transformer) externalKey(raw models.RawRecord) string {
	if raw == nil {
		return ""
	}
	for _, cr := range t.rules {
		if cr.target != models.FieldExternalKey {
			continue
		}
		value, err := cr.rule.Apply(raw, t.log)
		if err != nil {
			return ""
		}
		return norm.NFC.String(strings.TrimSpace(value))
	}
	return ""
}

func (t *Transformer) transform(raw models.RawRecord) (map[string]string, error) {
	if raw == nil {
		return nil, &TransformError{Reason: "nil record"}
	}

	fields := make(map[string]string, len(t.rules)+4)
	for _, cr := range t.rules {
		value, err := cr.rule.Apply(raw, t.log)
		if err != nil {
			return nil, err
		}
		fields[cr.target] = norm.NFC.String(strings.TrimSpace(value))
	}

	if err := t.deriveSchedule(fields); err != nil {
		return nil, err
	}

	if status := fields[models.FieldStatus]; status != "" {
		parsed, ok := models.ParseProcedureStatus(status)
		if !ok {
			return nil, fieldError(models.FieldStatus, "value %q is not a procedure status", status)
		}
		fields[models.FieldStatus] = string(parsed)
	}

	if err := t.applySubjectPolicy(fields); err != nil {
		return nil, err
	}

	for _, field := range requiredFields {
		if fields[field] == "" {
			return nil, fieldError(field, "required field is empty")
		}
	}
	return fields, nil
}

// deriveSchedule fills scheduled_date, scheduled_time, scheduled_at and
// duration_minutes (all UTC) from scheduled_start/scheduled_end, or from a
// separately mapped local date and time.
func (t *Transformer) deriveSchedule(fields map[string]string) error {
	var start time.Time
	switch {
	case fields[models.FieldScheduledStart] != "":
		parsed, err := time.Parse(time.RFC3339, fields[models.FieldScheduledStart])
		if err != nil {
			return &TransformError{Field: models.FieldScheduledStart, Reason: "invalid start", Err: err}
		}
		start = parsed
	case fields[models.FieldScheduledDate] != "":
		clock := fields[models.FieldScheduledTime]
		if clock == "" {
			return fieldError(models.FieldScheduledTime, "required field is empty")
		}
		local, err := parseLocalDateTime(fields[models.FieldScheduledDate], clock, t.loc)
		if err != nil {
			return &TransformError{Field: models.FieldScheduledDate, Reason: "invalid local date/time", Err: err}
		}
		start = local
	default:
		return nil
	}

	start = start.UTC()
	fields[models.FieldScheduledStart] = start.Format(time.RFC3339)
	fields[models.FieldScheduledAt] = start.Format(time.RFC3339)
	fields[models.FieldScheduledDate] = start.Format("2006-01-02")
	fields[models.FieldScheduledTime] = start.Format("15:04:05")

	if end := fields[models.FieldScheduledEnd]; end != "" {
		parsedEnd, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return &TransformError{Field: models.FieldScheduledEnd, Reason: "invalid end", Err: err}
		}
		if minutes := int(parsedEnd.Sub(start).Minutes()); minutes > 0 && fields[models.FieldDuration] == "" {
			fields[models.FieldDuration] = strconv.Itoa(minutes)
		}
	}
	return nil
}

func parseLocalDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	value := date + " " + clock
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "20060102 150405", "20060102 1504"} {
		wall, err := time.ParseInLocation(layout, value, time.UTC)
		if err != nil {
			continue
		}
		return ResolveLocal(wall, loc)
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q or time %q", date, clock)
}

func (t *Transformer) applySubjectPolicy(fields map[string]string) error {
	switch t.policy {
	case models.MissingSubjectUseSubjectID:
		if fields[models.FieldSubjectName] == "" {
			fields[models.FieldSubjectName] = fields[models.FieldSubjectID]
		}
	case models.MissingSubjectReject:
		if fields[models.FieldSubjectName] == "" {
			return fieldError(models.FieldSubjectName, "subject name missing and policy is reject")
		}
		if fields[models.FieldBirthDate] == "" {
			return fieldError(models.FieldBirthDate, "birth date missing and policy is reject")
		}
	}
	return nil
}
