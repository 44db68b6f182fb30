package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

func record() map[string]string {
	return map[string]string{
		models.FieldSubjectID:        "SUB-1",
		models.FieldStatus:           "SCHEDULED",
		models.FieldScheduledDate:    "2025-01-15",
		models.FieldScheduledTime:    "16:00:00",
		models.FieldModality:         "MR",
		models.FieldStudyDescription: "Brain",
		models.FieldDescription:      "bring glasses",
	}
}

func TestInsignificantFieldsIgnored(t *testing.T) {
	a := record()
	b := record()
	b[models.FieldDescription] = "free text changed"
	b["operator"] = "Jordan"

	assert.Equal(t, Compute(a, nil), Compute(b, nil))
	assert.Len(t, Compute(a, nil), 64)
}

func TestSignificantFieldsChangeHash(t *testing.T) {
	base := Compute(record(), nil)

	for _, field := range []string{models.FieldStatus, models.FieldScheduledTime, models.FieldSubjectID} {
		changed := record()
		changed[field] = changed[field] + "x"
		assert.NotEqual(t, base, Compute(changed, nil), field)
	}
}

func TestEmptyEqualsAbsent(t *testing.T) {
	a := record()
	delete(a, models.FieldModality)
	b := record()
	b[models.FieldModality] = ""
	assert.Equal(t, Compute(a, nil), Compute(b, nil))
}

func TestCustomFieldSet(t *testing.T) {
	a := record()
	b := record()
	b[models.FieldStudyDescription] = "Spine"

	fields := []string{models.FieldSubjectID, models.FieldScheduledDate}
	assert.Equal(t, Compute(a, fields), Compute(b, fields))
	assert.NotEqual(t, Compute(a, nil), Compute(b, nil))
}
