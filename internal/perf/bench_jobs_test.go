package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
	"github.com/polyveda/polyveda/jobs"
)

func TestJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// Cleanup runs are frequent and must finish fast.
	for i := 0; i < 60; i++ {
		tracker := metrics.Track(jobs.TaskSessionsCleanup)
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending cleanup tracker: %v", err)
		}
		metrics.AddSessionsPurged(25)
	}

	// Chain verification walks every institution and is allowed to be slower.
	for i := 0; i < 15; i++ {
		tracker := metrics.Track(jobs.TaskAuditVerify)
		time.Sleep(8 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending verify tracker: %v", err)
		}
	}

	// A few failures must count without aborting the series.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track(jobs.TaskSessionsCleanup)
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(errors.New("redis timeout")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "polyveda_jobs_total", map[string]string{"job": jobs.TaskSessionsCleanup, "status": "success"})
	failure := metricValue(t, families, "polyveda_jobs_total", map[string]string{"job": jobs.TaskSessionsCleanup, "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no cleanup executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("cleanup success ratio too low: %f", ratio)
	}

	purged := metricValue(t, families, "polyveda_sessions_purged_total", nil)
	if purged != 60*25 {
		t.Fatalf("sessions purged = %f, want %d", purged, 60*25)
	}

	verifyDuration := histogramMean(t, families, "polyveda_job_duration_seconds", map[string]string{"job": jobs.TaskAuditVerify})
	if verifyDuration > 2.0 {
		t.Fatalf("verify duration above budget: %f", verifyDuration)
	}

	cleanupDuration := histogramMean(t, families, "polyveda_job_duration_seconds", map[string]string{"job": jobs.TaskSessionsCleanup})
	if cleanupDuration > 0.5 {
		t.Fatalf("cleanup duration above budget: %f", cleanupDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
