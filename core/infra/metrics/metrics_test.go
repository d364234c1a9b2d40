package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncJobsSubmitted("process", "async")
	m.IncJobsCompleted("process", "succeeded")
	m.ObserveJobDuration("process", 1)
	m.IncFramesPublished("memory", "progress")
	m.IncFramesDropped("memory")
	m.AddStreamClients(1)
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("jobrelay")
	m.IncJobsSubmitted("process", "async")
	m.IncJobsCompleted("process", "succeeded")
	m.ObserveJobDuration("process", 2.5)
	m.IncFramesPublished("redis", "stdout")
	m.IncFramesDropped("redis")
	m.AddStreamClients(2)
	m.AddStreamClients(-1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "jobrelay_jobs_submitted_total", map[string]string{"stage": "process", "mode": "async"}) {
		t.Fatalf("expected jobs_submitted metric")
	}
	if !hasMetric(families, "jobrelay_jobs_completed_total", map[string]string{"stage": "process", "status": "succeeded"}) {
		t.Fatalf("expected jobs_completed metric")
	}
	if !hasMetric(families, "jobrelay_job_duration_seconds", map[string]string{"stage": "process"}) {
		t.Fatalf("expected job_duration metric")
	}
	if !hasMetric(families, "jobrelay_frames_published_total", map[string]string{"backend": "redis", "kind": "stdout"}) {
		t.Fatalf("expected frames_published metric")
	}
	if !hasMetric(families, "jobrelay_frames_dropped_total", map[string]string{"backend": "redis"}) {
		t.Fatalf("expected frames_dropped metric")
	}
	for _, fam := range families {
		if fam.GetName() == "jobrelay_stream_clients" {
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 1 {
				t.Fatalf("expected 1 stream client, got %v", got)
			}
			return
		}
	}
	t.Fatalf("expected stream_clients gauge")
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("jobrelay")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "jobrelay_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "jobrelay_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("jobrelay")
	m.IncJobsSubmitted("process", "sync")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
