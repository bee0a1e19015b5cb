package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecution(t *testing.T) {
	m := New()

	m.RecordExecution("python", "success", 150*time.Millisecond)
	m.RecordExecution("python", "success", time.Second)
	m.RecordExecution("go", "compile_error", time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("go", "compile_error")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestRecordImageBuild(t *testing.T) {
	m := New()

	m.RecordImageBuild("java", nil)
	m.RecordImageBuild("java", errors.New("build failed"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.ImageBuilds.WithLabelValues("java", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ImageBuilds.WithLabelValues("java", "failure")), 0)
}

func TestRecordReaped(t *testing.T) {
	m := New()

	m.RecordReaped("container", 0)
	assert.Equal(t, 0, testutil.CollectAndCount(m.OrphansReaped))

	m.RecordReaped("container", 3)
	m.RecordReaped("workspace", 1)
	assert.InDelta(t, 3, testutil.ToFloat64(m.OrphansReaped.WithLabelValues("container")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OrphansReaped.WithLabelValues("workspace")), 0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ActiveExecutions.Inc()
	m.ObserveStage("compile", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "coderun_active_executions 1")
	assert.Contains(t, string(body), `coderun_stage_duration_seconds_count{stage="compile"} 1`)
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ActiveExecutions.Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(a.ActiveExecutions), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.ActiveExecutions), 0)
}
