package redcap

import "github.com/synaptica-ai/worklist/pkg/common/models"

func (p *Plugin) DefaultMapping() map[string]models.FieldRuleSpec {
	return DefaultMapping()
}

func DefaultMapping() map[string]models.FieldRuleSpec {
	mr := "MR"
	return map[string]models.FieldRuleSpec{
		models.FieldExternalKey:      {Source: "key"},
		models.FieldSubjectID:        {Source: "subject_id"},
		models.FieldSubjectName:      {Source: "subject_name"},
		models.FieldModality:         {Value: &mr},
		models.FieldScheduledDate:    {Source: "scheduled_date"},
		models.FieldScheduledTime:    {Source: "scheduled_time"},
		models.FieldStudyDescription: {Source: "protocol_name"},
		models.FieldSex: {
			Source: "demo_sex",
			Lookup: &models.LookupSpec{Table: map[string]string{"1": "M", "2": "F", "3": "O"}},
		},
		"protocol_name": {Source: "protocol_name"},
		"site_id":       {Source: "site_id"},
	}
}
