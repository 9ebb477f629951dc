package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestOutboxMetrics(t *testing.T) {
	m := NewOutboxMetrics(prometheus.NewRegistry())

	m.RecordAttempt(PublishSent)
	m.RecordAttempt(PublishRetryError)
	m.RecordAttempt(PublishRetryError)
	m.SetBacklog(4, 3*time.Second)

	if got := counterValue(t, m.attempts.WithLabelValues(PublishRetryError)); got != 2 {
		t.Errorf("expected 2 retry errors, got %f", got)
	}
	if got := gaugeValue(t, m.pending); got != 4 {
		t.Errorf("expected pending 4, got %f", got)
	}
	if got := gaugeValue(t, m.oldestPending); got != 3 {
		t.Errorf("expected oldest age 3s, got %f", got)
	}

	m.SetBacklog(0, -time.Second)
	if got := gaugeValue(t, m.oldestPending); got != 0 {
		t.Errorf("negative age must be clamped, got %f", got)
	}
}

func TestCleanupMetrics(t *testing.T) {
	m := NewCleanupMetrics(prometheus.NewRegistry())

	m.RecordRun(5, nil)
	m.RecordRun(0, errors.New("db down"))

	if got := counterValue(t, m.deleted); got != 5 {
		t.Errorf("expected 5 deleted, got %f", got)
	}
	if got := counterValue(t, m.runs.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed run, got %f", got)
	}
}

func TestWorkerMetricsNilSafe(t *testing.T) {
	var outbox *OutboxMetrics
	var cleanup *CleanupMetrics

	outbox.RecordAttempt(PublishSent)
	outbox.SetBacklog(1, time.Second)
	cleanup.RecordRun(1, nil)
}
