package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

const sampleSources = `
sources:
  - name: calpendo-mri
    type: calpendo
    interval: 90s
    timezone: America/Edmonton
    operating_hours:
      start: "06:00"
      end: "22:00"
    window:
      mode: rolling
      lookback_multiplier: 3
      lookahead: 12h
    retire_after_misses: 3
    allowed_studies: [CPIP, BRAIN]
    config:
      base_url: https://calpendo.example.org
      resources: ["3T Scanner"]
    field_mapping:
      external_key: key
      subject_id:
        source: title
        extract:
          pattern: '^([A-Z]+-\d+)'
          group: 1
      status:
        source: status
        lookup:
          table:
            Approved: SCHEDULED
          default: SCHEDULED
  - name: redcap
    type: redcap
    enabled: false
`

func TestParseSources(t *testing.T) {
	sources, err := ParseSources([]byte(sampleSources))
	require.NoError(t, err)
	require.Len(t, sources, 2)

	cal := sources[0]
	assert.Equal(t, "calpendo-mri", cal.Name)
	assert.Equal(t, 90*time.Second, cal.PollInterval())
	assert.Equal(t, 12*time.Hour, cal.Window.Lookahead)
	assert.Equal(t, 3.0, cal.Window.LookbackMultiplier)
	assert.Equal(t, 3, cal.MissThreshold())
	assert.True(t, cal.IsEnabled())
	assert.True(t, cal.ShouldRetireMissing())
	assert.Equal(t, []string{"CPIP", "BRAIN"}, cal.AllowedStudies)
	assert.Equal(t, "https://calpendo.example.org", cal.Config["base_url"])

	assert.Equal(t, "key", cal.FieldMapping[models.FieldExternalKey].Source)
	subject := cal.FieldMapping[models.FieldSubjectID]
	require.NotNil(t, subject.Extract)
	assert.Equal(t, 1, subject.Extract.Group)
	status := cal.FieldMapping[models.FieldStatus]
	require.NotNil(t, status.Lookup)
	assert.Equal(t, "SCHEDULED", status.Lookup.Table["Approved"])

	assert.False(t, sources[1].IsEnabled())
	assert.Equal(t, models.DefaultInterval, sources[1].PollInterval())
	assert.Equal(t, "UTC", sources[1].TimezoneName())
}

func TestParseSourcesRejectsDuplicates(t *testing.T) {
	_, err := ParseSources([]byte("sources:\n  - name: a\n    type: x\n  - name: a\n    type: y\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseSourcesRejectsEmpty(t *testing.T) {
	_, err := ParseSources([]byte("sources: []\n"))
	require.Error(t, err)
}

func TestLoadSourcesAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	body := `{"sources":[{"name":"json-src","type":"httpjson","interval":"5m","config":{"url":"http://x"}}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, 5*time.Minute, sources[0].Interval)
}

func TestStringSliceEnvSplitsOnCommas(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}
