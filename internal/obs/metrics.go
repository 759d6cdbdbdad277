package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/digestgate/internal/gateway"
	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	"github.com/AlexKimmel/digestgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec
	LimiterErrors   *prometheus.CounterVec
	RecordsAdded    *prometheus.CounterVec
	ScheduleEntries prometheus.Counter
	Deliveries      *prometheus.CounterVec
	BackendErrors   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"operation", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "digestgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "method"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_rate_limited_total",
				Help: "Calls over a rate limit, enforced or not",
			},
			[]string{"operation", "category", "enforced"},
		),
		LimiterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_limiter_errors_total",
				Help: "Total rate limiter errors",
			},
			[]string{"operation"},
		),
		RecordsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_records_added_total",
				Help: "Records appended to digest timelines",
			},
			[]string{"plugin"},
		),
		ScheduleEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "digestgate_schedule_entries_total",
				Help: "Keys claimed by scheduling passes",
			},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_deliveries_total",
				Help: "Digest deliveries by result",
			},
			[]string{"result"},
		),
		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "digestgate_backend_errors_total",
				Help: "Digest backend failures by operation",
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors,
		m.RecordsAdded, m.ScheduleEntries, m.Deliveries, m.BackendErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// GateHooks counts gate decisions.
func (m *Metrics) GateHooks() gateway.Hooks {
	return gateway.Hooks{
		OnLimited: func(op string, cat ratelimit.Category, enforced bool) {
			m.RateLimited.WithLabelValues(op, string(cat), strconv.FormatBool(enforced)).Inc()
		},
		OnError: func(op string, _ error) {
			m.LimiterErrors.WithLabelValues(op).Inc()
		},
	}
}

func (m *Metrics) RecordAdded(plugin string) { m.RecordsAdded.WithLabelValues(plugin).Inc() }

func (m *Metrics) ScheduleEntry() { m.ScheduleEntries.Inc() }

func (m *Metrics) Delivery(result string) { m.Deliveries.WithLabelValues(result).Inc() }

func (m *Metrics) BackendError(op string) { m.BackendErrors.WithLabelValues(op).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics under the operation stored by
// gateway.RouteMatcher, so it must run inside it.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			op := "unknown"
			if o, ok := routing.OperationFrom(r); ok && o != nil && o.ID != "" {
				op = o.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(op, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(op, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
