package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the ledger service. All
// recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	Transfers          *prometheus.CounterVec
	Inconsistencies    prometheus.Counter
	RecurringProcessed *prometheus.CounterVec
	RateLookups        *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Ledger transfers by kind and outcome",
		}, []string{"kind", "outcome"}),
		Inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_inconsistencies_total",
			Help: "Ledger inconsistencies raised for operator attention",
		}),
		RecurringProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recurring_donations_processed_total",
			Help: "Recurring donations processed by outcome",
		}, []string{"outcome"}),
		RateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_rate_lookups_total",
			Help: "Exchange rate lookups by source and outcome",
		}, []string{"source", "outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Transfers, m.Inconsistencies, m.RecurringProcessed, m.RateLookups,
		m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) Transfer(kind, outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Inconsistency() {
	if m == nil {
		return
	}
	m.Inconsistencies.Inc()
}

func (m *Metrics) Recurring(outcome string) {
	if m == nil {
		return
	}
	m.RecurringProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLookup(source, outcome string) {
	if m == nil {
		return
	}
	m.RateLookups.WithLabelValues(source, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
