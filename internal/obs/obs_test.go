package obs

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	"github.com/AlexKimmel/digestgate/internal/routing"
)

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	op := &routing.Operation{ID: "digests.add"}

	h := m.Middleware(map[string]struct{}{"/health": {}})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := routing.WithOperation(httptest.NewRequest("POST", "/api/0/digests/mail:1/records", nil), op)
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("digests.add", "POST", "202")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestMetrics_Hooks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	hooks := m.GateHooks()
	hooks.OnLimited("digests.add", ratelimit.CategoryIP, true)
	hooks.OnError("digests.add", errors.New("down"))
	m.RecordAdded("mail")
	m.ScheduleEntry()
	m.Delivery("delivered")
	m.BackendError("schedule")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited.WithLabelValues("digests.add", "ip", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LimiterErrors.WithLabelValues("digests.add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsAdded.WithLabelValues("mail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScheduleEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendErrors.WithLabelValues("schedule")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ScheduleEntry()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digestgate_schedule_entries_total 1")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(NewLogger(&buf, "debug"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest("DELETE", "/api/0/digests/mail:1", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"status":204`)
	assert.Contains(t, buf.String(), `"req_id":`)
	assert.Contains(t, buf.String(), `"method":"DELETE"`)
}
