package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewCheckoutMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewCheckoutMetricsWithRegisterer(reg)
	second := NewCheckoutMetricsWithRegisterer(reg)

	first.RecordCreated(3)
	second.RecordCreated(2)

	if got := counterValue(t, first.ordersCreated); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
	if got := counterValue(t, first.unitsDecrement); got != 5 {
		t.Fatalf("expected 5 units decremented, got %f", got)
	}
}

func TestRecordRejectedByReason(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordRejected("insufficient_stock")
	m.RecordRejected("insufficient_stock")
	m.RecordRejected("customer_not_found")

	if got := counterValue(t, m.ordersRejected.WithLabelValues("insufficient_stock")); got != 2 {
		t.Fatalf("expected 2 insufficient_stock rejections, got %f", got)
	}
	if got := counterValue(t, m.ordersRejected.WithLabelValues("customer_not_found")); got != 1 {
		t.Fatalf("expected 1 customer_not_found rejection, got %f", got)
	}
}

func TestRecordStartedFinished(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordStarted()
	m.RecordStarted()
	m.RecordFinished(25 * time.Millisecond)

	gauge := &dto.Metric{}
	if err := m.inFlight.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 1 {
		t.Fatalf("expected 1 in flight, got %f", gauge.Gauge.GetValue())
	}

	hist := &dto.Metric{}
	if err := m.createDuration.Write(hist); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if hist.Histogram.GetSampleCount() != 1 {
		t.Fatalf("expected 1 observation, got %d", hist.Histogram.GetSampleCount())
	}
}

func TestRecordIdempotencyReplay(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	m.RecordIdempotencyReplay("done")

	if got := counterValue(t, m.idempotencyReplays.WithLabelValues("done")); got != 1 {
		t.Fatalf("expected 1 replay, got %f", got)
	}
}

func TestRecordIdempotencyPersistFailure(t *testing.T) {
	m := NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	m.RecordIdempotencyPersistFailure("done")
	m.RecordIdempotencyPersistFailure("done")

	if got := counterValue(t, m.idempotencyPersistFailures.WithLabelValues("done")); got != 2 {
		t.Fatalf("expected 2 persist failures, got %f", got)
	}
}

func TestOutboxMetrics_Backlog(t *testing.T) {
	m := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordAttempt(OutboxResultSent)
	m.RecordAttempt(OutboxResultSent)
	m.SetBacklog(4, -time.Second)

	if got := counterValue(t, m.publishAttempts.WithLabelValues(OutboxResultSent)); got != 2 {
		t.Fatalf("expected 2 sent attempts, got %f", got)
	}

	gauge := &dto.Metric{}
	if err := m.oldestAge.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if got := gauge.Gauge.GetValue(); got != 0 {
		t.Fatalf("expected negative age clamped to 0, got %f", got)
	}
}

func TestIdempotencyCleanupMetrics(t *testing.T) {
	m := NewIdempotencyCleanupMetricsWithRegisterer(prometheus.NewRegistry())

	m.AddDeleted(3)
	m.AddDeleted(0)
	m.RecordSweep(CleanupResultOK, 3)
	m.RecordSweep(CleanupResultError, 1)

	if got := counterValue(t, m.deleted); got != 3 {
		t.Fatalf("expected 3 deleted keys, got %f", got)
	}
	if got := counterValue(t, m.sweeps.WithLabelValues(CleanupResultError)); got != 1 {
		t.Fatalf("expected 1 failed sweep, got %f", got)
	}

	gauge := &dto.Metric{}
	if err := m.lastDeleted.Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if got := gauge.Gauge.GetValue(); got != 3 {
		t.Fatalf("failed sweep must not overwrite last deleted, got %f", got)
	}
}
