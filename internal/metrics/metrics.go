package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jengzang/records-timeline/internal/models"
)

// Regeneration outcomes
const (
	OutcomeSuccess      = "success"
	OutcomeLockConflict = "lock_conflict"
	OutcomeError        = "error"
)

// Recorder records timeline processing metrics
type Recorder interface {
	ObserveRegeneration(outcome string, duration time.Duration)
	AddClassifiedTrips(counts map[models.MovementType]int)
	IncDataGaps(outcome string)
	SetActiveJobs(n int)
	IncRequests(route string, status int)
	ObserveRequestDuration(route string, duration time.Duration)
	// Handler serves the metrics, or nil when metrics are disabled
	Handler() http.Handler
}

// Prometheus is a Recorder backed by its own registry
type Prometheus struct {
	registry *prometheus.Registry

	regenerations    *prometheus.CounterVec
	regenerationTime prometheus.Histogram
	classifiedTrips  *prometheus.CounterVec
	dataGaps         *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New returns a Prometheus recorder, or a no-op recorder when disabled
func New(enabled bool) Recorder {
	if !enabled {
		return Noop{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		regenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_regenerations_total",
			Help: "Timeline regenerations by outcome",
		}, []string{"outcome"}),

		regenerationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "timeline_regeneration_duration_seconds",
			Help:    "Duration of timeline regenerations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		classifiedTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_classified_trips_total",
			Help: "Trips classified by movement type",
		}, []string{"movement_type"}),

		dataGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_ongoing_data_gaps_total",
			Help: "Ongoing data gap checks that created or extended a gap",
		}, []string{"outcome"}),

		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "timeline_active_jobs",
			Help: "Timeline jobs queued or running",
		}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "timeline_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timeline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Prometheus) ObserveRegeneration(outcome string, duration time.Duration) {
	m.regenerations.WithLabelValues(outcome).Inc()
	if outcome != OutcomeLockConflict {
		m.regenerationTime.Observe(duration.Seconds())
	}
}

func (m *Prometheus) AddClassifiedTrips(counts map[models.MovementType]int) {
	for movement, n := range counts {
		m.classifiedTrips.WithLabelValues(string(movement)).Add(float64(n))
	}
}

func (m *Prometheus) IncDataGaps(outcome string) {
	m.dataGaps.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) SetActiveJobs(n int) {
	m.activeJobs.Set(float64(n))
}

func (m *Prometheus) IncRequests(route string, status int) {
	m.requestsTotal.WithLabelValues(route, httpStatusBucket(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(route string, duration time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards everything
type Noop struct{}

func (Noop) ObserveRegeneration(_ string, _ time.Duration)    {}
func (Noop) AddClassifiedTrips(_ map[models.MovementType]int) {}
func (Noop) IncDataGaps(_ string)                             {}
func (Noop) SetActiveJobs(_ int)                              {}
func (Noop) IncRequests(_ string, _ int)                      {}
func (Noop) ObserveRequestDuration(_ string, _ time.Duration) {}
func (Noop) Handler() http.Handler                            { return nil }
