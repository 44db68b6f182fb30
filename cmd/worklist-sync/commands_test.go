package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/orchestrator"
)

const validSource = `
  - name: calendar
    type: httpjson
    config:
      url: https://calendar.example.org/api/slots
    field_mapping:
      external_key: id
      subject_id: patient.mrn
      scheduled_start: start
`

const unknownSource = `
  - name: mystery
    type: carrier-pigeon
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logger.Log.SetOutput(io.Discard)
	t.Cleanup(func() { logger.Log.SetOutput(os.Stdout) })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeSources(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:"+body), 0o600))
	return path
}

func TestValidateFailsWithoutValidSources(t *testing.T) {
	out, err := execute(t, "validate", "--sources", writeSources(t, unknownSource))
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrNoValidSources)
	assert.Contains(t, out, "invalid  ")
	assert.Contains(t, out, "mystery")
}

func TestValidateReportsEachSource(t *testing.T) {
	out, err := execute(t, "validate", "--sources", writeSources(t, validSource+unknownSource))
	require.NoError(t, err)
	assert.Contains(t, out, "ok       calendar (httpjson")
	assert.Contains(t, out, "invalid  ")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--sources", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load sources")
}

func TestPluginsListsRegisteredTypes(t *testing.T) {
	out, err := execute(t, "plugins")
	require.NoError(t, err)
	for _, typ := range []string{"calpendo", "redcap", "httpjson"} {
		assert.Contains(t, out, typ)
	}
}
