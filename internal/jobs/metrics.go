package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	chainDefects *prometheus.CounterVec
	purged       prometheus.Counter
	seatUsage    *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddChainDefects counts audit chain findings for one institution.
func (m *Metrics) AddChainDefects(institutionID, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.chainDefects.WithLabelValues(institutionID, kind).Add(float64(count))
}

// AddSessionsPurged counts rows removed by the session cleanup job.
func (m *Metrics) AddSessionsPurged(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.Add(float64(count))
}

// SetSeatUsage records the principal count vs quota ratio for an institution.
func (m *Metrics) SetSeatUsage(institutionID string, ratio float64) {
	if m == nil {
		return
	}
	m.seatUsage.WithLabelValues(institutionID).Set(ratio)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polyveda_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polyveda_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyveda_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	chainDefects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polyveda_audit_chain_defects_total",
		Help: "Audit chain defects located by the verifier, by institution and kind.",
	}, []string{"institution", "kind"})
	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "polyveda_sessions_purged_total",
		Help: "Sessions removed by the retention cleanup job.",
	})
	seatUsage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "polyveda_institution_seat_usage_ratio",
		Help: "Active principal count divided by the institution seat quota.",
	}, []string{"institution"})
	registerer.MustRegister(runs, failures, duration, chainDefects, purged, seatUsage)
	return &Metrics{
		runs:         runs,
		failures:     failures,
		duration:     duration,
		chainDefects: chainDefects,
		purged:       purged,
		seatUsage:    seatUsage,
	}
}
