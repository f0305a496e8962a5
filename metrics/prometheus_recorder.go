package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	jobDuration   *prom.HistogramVec
	firings       *prom.CounterVec
	leases        *prom.CounterVec
	circuitBreaks *prom.CounterVec
	scheduledJobs prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics
// (idempotent per recorder).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cronlock",
			Name:      "job_duration_seconds",
			Help:      "Duration of individual job executions",
			Buckets:   prom.DefBuckets,
		}, []string{"job"})
		pr.firings = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cronlock",
			Name:      "firings_total",
			Help:      "Scheduled firings by outcome",
		}, []string{"job", "outcome"})
		pr.leases = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cronlock",
			Name:      "lease_results_total",
			Help:      "Lease acquisition attempts by result",
		}, []string{"job", "result"})
		pr.circuitBreaks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cronlock",
			Name:      "circuit_breaks_total",
			Help:      "Timers stopped by the circuit breaker",
		}, []string{"job"})
		pr.scheduledJobs = prom.NewGauge(prom.GaugeOpts{
			Namespace: "cronlock",
			Name:      "scheduled_jobs",
			Help:      "Jobs with an armed timer on this instance",
		})
		reg.MustRegister(pr.jobDuration, pr.firings, pr.leases, pr.circuitBreaks, pr.scheduledJobs)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveJobDuration(job string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFiringOutcome(job, outcome string) {
	if p == nil || p.firings == nil {
		return
	}
	p.firings.WithLabelValues(job, outcome).Inc()
}

func (p *PrometheusRecorder) IncLeaseResult(job string, acquired bool) {
	if p == nil || p.leases == nil {
		return
	}
	res := "skipped"
	if acquired {
		res = "acquired"
	}
	p.leases.WithLabelValues(job, res).Inc()
}

func (p *PrometheusRecorder) IncCircuitBreak(job string) {
	if p == nil || p.circuitBreaks == nil {
		return
	}
	p.circuitBreaks.WithLabelValues(job).Inc()
}

func (p *PrometheusRecorder) SetScheduledJobs(n int) {
	if p == nil || p.scheduledJobs == nil {
		return
	}
	p.scheduledJobs.Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for
// the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
