package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for job execution and frame fan-out.
type Metrics interface {
	IncJobsSubmitted(stage, mode string)
	IncJobsCompleted(stage, status string)
	ObserveJobDuration(stage string, durationSeconds float64)
	IncFramesPublished(backend, kind string)
	IncFramesDropped(backend string)
	AddStreamClients(delta float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsSubmitted(string, string)               {}
func (Noop) IncJobsCompleted(string, string)               {}
func (Noop) ObserveJobDuration(string, float64)            {}
func (Noop) IncFramesPublished(string, string)             {}
func (Noop) IncFramesDropped(string)                       {}
func (Noop) AddStreamClients(float64)                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	jobsSubmitted   *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	framesPublished *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	streamClients   prometheus.Gauge
	once            sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs submitted by stage and mode",
		}, []string{"stage", "mode"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by stage and terminal status",
		}, []string{"stage", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run time by stage",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"stage"}),
		framesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Frames published by broker backend and kind",
		}, []string{"backend", "kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a subscriber queue was full",
		}, []string{"backend"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected streaming clients",
		}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.jobsSubmitted, p.jobsCompleted, p.jobDuration,
			p.framesPublished, p.framesDropped, p.streamClients)
	})
	return p
}

func (p *Prom) IncJobsSubmitted(stage, mode string) {
	p.jobsSubmitted.WithLabelValues(stage, mode).Inc()
}

func (p *Prom) IncJobsCompleted(stage, status string) {
	p.jobsCompleted.WithLabelValues(stage, status).Inc()
}

func (p *Prom) ObserveJobDuration(stage string, durationSeconds float64) {
	p.jobDuration.WithLabelValues(stage).Observe(durationSeconds)
}

func (p *Prom) IncFramesPublished(backend, kind string) {
	p.framesPublished.WithLabelValues(backend, kind).Inc()
}

func (p *Prom) IncFramesDropped(backend string) {
	p.framesDropped.WithLabelValues(backend).Inc()
}

func (p *Prom) AddStreamClients(delta float64) {
	p.streamClients.Add(delta)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
