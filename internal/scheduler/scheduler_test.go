package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/wasteworks/binsight/internal/clock"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetEngineMetricsForTest()
	obsmetrics.EngineWithConfig(obsmetrics.Config{
		ServiceName: "binsight",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "binsight",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "binsight_engine_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "binsight",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.EngineJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "binsight_engine_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsJobErrorAndIncrementsErrorCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetEngineMetricsForTest()
	obsmetrics.EngineWithConfig(obsmetrics.Config{
		ServiceName: "binsight",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	jobErr := errors.New("backend unavailable")
	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "failing_job", 0, time.Second, func(ctx context.Context) error {
		return jobErr
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, jobErr) {
		t.Fatalf("expected wrapped job error, got %v", err)
	}
	if !strings.Contains(err.Error(), "failing_job") {
		t.Fatalf("expected job name in error, got %v", err)
	}

	errorLabels := map[string]string{
		"service": "binsight",
		"env":     "test",
		"job":     "failing_job",
		"reason":  obsmetrics.EngineJobReasonUnknown,
	}
	if got := getCounterValue(t, registry, "binsight_engine_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestIsJobEnabled(t *testing.T) {
	cases := []struct {
		name    string
		enabled []string
		job     string
		want    bool
	}{
		{"empty list enables everything", nil, "process_batches", true},
		{"listed job", []string{"sweep_queued", "stale_watch"}, "stale_watch", true},
		{"case insensitive", []string{"Process_Batches"}, "process_batches", true},
		{"unlisted job", []string{"sweep_queued"}, "process_batches", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Scheduler{cfg: Config{EnabledJobs: tc.enabled}}
			if got := s.isJobEnabled(tc.job); got != tc.want {
				t.Fatalf("isJobEnabled(%q) = %v, want %v", tc.job, got, tc.want)
			}
		})
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetEngineMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func getGaugeValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Gauge == nil {
				t.Fatalf("metric %s is not a gauge", name)
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
