package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	recorder := New()
	recorder.TaskFinished("complete", 90*time.Second)
	recorder.TaskFinished("complete", 0)
	recorder.TaskFinished("failed", time.Second)
	recorder.AttemptsRecorded("complete", 2)
	recorder.AttemptsRecorded("failed", 0)
	recorder.BatchFinished("complete")

	assert.InDelta(t, 2, testutil.ToFloat64(recorder.TasksTotal.WithLabelValues("complete")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(recorder.TasksTotal.WithLabelValues("failed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(recorder.AttemptsTotal.WithLabelValues("complete")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(recorder.BatchesTotal.WithLabelValues("complete")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(recorder.TaskDuration))
}

func TestRecordersAreIndependent(t *testing.T) {
	t.Parallel()

	first := New()
	second := New()
	first.BatchFinished("failed")
	assert.InDelta(t, 0, testutil.ToFloat64(second.BatchesTotal.WithLabelValues("failed")), 0)
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	recorder := New()
	recorder.BatchFinished("complete")
	path := filepath.Join(t.TempDir(), "nested", "ralph.prom")

	require.NoError(t, recorder.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `ralph_batches_total{status="complete"} 1`)

	require.Error(t, recorder.WriteTextfile(""))
}
