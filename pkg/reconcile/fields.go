package reconcile

import (
	"strconv"
	"time"

	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// Fields consumed by the reconciler rather than stored as columns or extras.
var internalFields = map[string]bool{
	models.FieldExternalKey:    true,
	models.FieldStatus:         true,
	models.FieldScheduledStart: true,
	models.FieldScheduledEnd:   true,
}

// applyFields copies transformer output onto req. Status is never taken
// from the record; it only moves through the state machine.
func applyFields(req *models.Request, rec models.StagedRecord) {
	f := rec.Fields
	req.SubjectID = f[models.FieldSubjectID]
	req.SubjectName = f[models.FieldSubjectName]
	req.BirthDate = f[models.FieldBirthDate]
	req.Sex = f[models.FieldSex]
	req.Modality = f[models.FieldModality]
	req.StationAETitle = f[models.FieldStationAETitle]
	req.ScheduledDate = f[models.FieldScheduledDate]
	req.ScheduledTime = f[models.FieldScheduledTime]
	req.StudyDescription = f[models.FieldStudyDescription]
	req.Description = f[models.FieldDescription]

	req.ScheduledAt = nil
	if at, err := time.Parse(time.RFC3339, f[models.FieldScheduledAt]); err == nil {
		at = at.UTC()
		req.ScheduledAt = &at
	}
	req.DurationMinutes = 0
	if n, err := strconv.Atoi(f[models.FieldDuration]); err == nil {
		req.DurationMinutes = n
	}

	req.Extras = nil
	for k, v := range f {
		if columnFields[k] || internalFields[k] || v == "" {
			continue
		}
		if req.Extras == nil {
			req.Extras = make(map[string]string)
		}
		req.Extras[k] = v
	}
	req.Fingerprint = rec.Fingerprint
}

var columnFields = map[string]bool{
	models.FieldSubjectID:        true,
	models.FieldSubjectName:      true,
	models.FieldBirthDate:        true,
	models.FieldSex:              true,
	models.FieldModality:         true,
	models.FieldStationAETitle:   true,
	models.FieldScheduledDate:    true,
	models.FieldScheduledTime:    true,
	models.FieldScheduledAt:      true,
	models.FieldDuration:         true,
	models.FieldStudyDescription: true,
	models.FieldDescription:      true,
}
