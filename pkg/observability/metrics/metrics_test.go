package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

func TestObservePollAndWritePrometheus(t *testing.T) {
	Reset()
	ObservePoll(models.PollSummary{Source: "calpendo", Fetched: 4, Created: 3, Unchanged: 1, Duration: 120 * time.Millisecond})
	ObservePollFailure("redcap")

	snap := Snapshot()
	assert.EqualValues(t, 4, snap["calpendo"].Fetched)
	assert.EqualValues(t, 3, snap["calpendo"].Created)
	assert.EqualValues(t, 120, snap["calpendo"].LastDurationMs)
	assert.EqualValues(t, 1, snap["redcap"].PollFailures)

	rec := httptest.NewRecorder()
	WritePrometheus(rec)
	body := rec.Body.String()
	assert.Contains(t, body, `worklist_sync_requests_created_total{source="calpendo"} 3`)
	assert.Contains(t, body, `worklist_sync_poll_failures_total{source="redcap"} 1`)
}
