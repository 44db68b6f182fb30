package calpendo

import "github.com/synaptica-ai/worklist/pkg/common/models"

// DefaultMapping reads the fields Fetch adds to every booking, translating
// resource names through resource_modality_mapping.
func (p *Plugin) DefaultMapping() map[string]models.FieldRuleSpec {
	return DefaultMapping(p.resourceModality)
}

// DefaultMapping maps resource names to modality codes by exact name, then
// longest prefix. Unmapped resources keep their name.
func DefaultMapping(resourceModality map[string]string) map[string]models.FieldRuleSpec {
	modality := models.FieldRuleSpec{Source: "resource"}
	if len(resourceModality) > 0 {
		modality.Lookup = &models.LookupSpec{Table: resourceModality}
	}
	return map[string]models.FieldRuleSpec{
		models.FieldExternalKey: {Source: "key"},
		models.FieldSubjectID:   {Source: "properties.title", Fallbacks: []string{"title"}},
		models.FieldSubjectName: {Source: "properties.title", Fallbacks: []string{"title"}},
		models.FieldStatus: {
			Source: "status",
			Lookup: &models.LookupSpec{
				Table: map[string]string{
					"Approved":    string(models.StatusScheduled),
					"Pending":     string(models.StatusScheduled),
					"In Progress": string(models.StatusInProgress),
					"Completed":   string(models.StatusCompleted),
					"Cancelled":   string(models.StatusDiscontinued),
				},
				Default: string(models.StatusScheduled),
			},
		},
		models.FieldModality:         modality,
		models.FieldStudyDescription: {Source: "properties.project.formattedName"},
		models.FieldScheduledStart:   {Source: "schedule.start"},
		models.FieldScheduledEnd:     {Source: "schedule.end"},
		"operator":                   {Source: "operator"},
		"resource":                   {Source: "resource"},
	}
}
