package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opticast"

// Job outcomes recorded by FinishJob.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeReleased  = "released"
)

// Recorder owns a private Prometheus registry with the pipeline's
// collectors. Every method is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	activeJobs     *prometheus.GaugeVec
	jobsReaped     *prometheus.CounterVec
	gateDecisions  *prometheus.CounterVec
	gateFrames     *prometheus.CounterVec
	encodeDuration prometheus.Histogram
	tokenChecks    *prometheus.CounterVec
}

// New builds a Recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Job attempts started by queue.",
		}, []string{"queue"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Job attempts finished by queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler duration per job attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"queue"}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently held by a worker.",
		}, []string{"queue"}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Jobs returned to the wait list after their lease expired.",
		}, []string{"queue"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_gate_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		gateFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_gate_frames_total",
			Help:      "Frames scored, split by cache hits and classifier calls.",
		}, []string{"source"}),
		encodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_encode_duration_seconds",
			Help:      "Wall time of successful encoder runs.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		tokenChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_token_checks_total",
			Help:      "Playback token issues and verifications by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.jobsStarted,
		r.jobsFinished,
		r.jobDuration,
		r.activeJobs,
		r.jobsReaped,
		r.gateDecisions,
		r.gateFrames,
		r.encodeDuration,
		r.tokenChecks,
	)
	return r
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault swaps the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one HTTP request against its route pattern.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StartJob marks a job attempt as running on queue.
func (r *Recorder) StartJob(queue string) {
	queue = normalizeName(queue)
	r.jobsStarted.WithLabelValues(queue).Inc()
	r.activeJobs.WithLabelValues(queue).Inc()
}

// FinishJob closes an attempt started with StartJob.
func (r *Recorder) FinishJob(queue, outcome string, duration time.Duration) {
	queue = normalizeName(queue)
	r.jobsFinished.WithLabelValues(queue, normalizeName(outcome)).Inc()
	r.jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
	r.activeJobs.WithLabelValues(queue).Dec()
}

// JobsReaped counts lease expirations recovered by the reaper.
func (r *Recorder) JobsReaped(queue string, count int) {
	if count <= 0 {
		return
	}
	r.jobsReaped.WithLabelValues(normalizeName(queue)).Add(float64(count))
}

// GateDecision records an admission outcome: admitted, rejected or error.
func (r *Recorder) GateDecision(outcome string) {
	r.gateDecisions.WithLabelValues(normalizeName(outcome)).Inc()
}

// GateFrames records scored frames by source (cache or classifier).
func (r *Recorder) GateFrames(source string, count int) {
	if count <= 0 {
		return
	}
	r.gateFrames.WithLabelValues(normalizeName(source)).Add(float64(count))
}

// ObserveEncode records a successful encoder run.
func (r *Recorder) ObserveEncode(duration time.Duration) {
	r.encodeDuration.Observe(duration.Seconds())
}

// TokenCheck records a playback token issue or verification result.
func (r *Recorder) TokenCheck(result string) {
	r.tokenChecks.WithLabelValues(normalizeName(result)).Inc()
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
