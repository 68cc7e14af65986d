package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop_DoesNotPanic(t *testing.T) {
	m := Noop()
	m.SamplePersisted()
	m.ResetDetected("resets_at")
	m.PollFailed()
	m.MaintenanceCompleted(time.Second, nil)
	m.RollupsWritten("hourly", 3)
	m.RowsPruned("samples", 2)
	m.DatabaseSize(4096)
}

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.SamplePersisted()
	m.SamplePersisted()
	m.ResetDetected("resets_at")
	m.ResetDetected("utilization_drop")
	m.ResetDetected("resets_at")
	m.RollupsWritten("fiveMin", 12)
	m.RollupsWritten("hourly", 0)
	m.RowsPruned("rollups", 5)
	m.DatabaseSize(8192)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resetsTotal.WithLabelValues("resets_at")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resetsTotal.WithLabelValues("utilization_drop")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.rollupsTotal.WithLabelValues("fiveMin")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.prunedTotal.WithLabelValues("rollups")))
	assert.Equal(t, 8192.0, testutil.ToFloat64(m.databaseBytes))
}

func TestPrometheus_MaintenanceFailureCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.MaintenanceCompleted(10*time.Millisecond, nil)
	m.MaintenanceCompleted(0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.maintenanceDuration))
}

func TestHandler_ServesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)
	m.SamplePersisted()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "onwatch_history_samples_total 1"))
}
