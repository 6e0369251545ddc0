package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordsPersisted.Inc()
	m.SamplesTotal.WithLabelValues("gps").Add(3)
	m.PendingRecords.Set(7)

	if got := testutil.ToFloat64(m.RecordsPersisted); got != 1 {
		t.Errorf("records persisted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SamplesTotal.WithLabelValues("gps")); got != 3 {
		t.Errorf("gps samples = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.PendingRecords); got != 7 {
		t.Errorf("pending records = %v, want 7", got)
	}

	// Double registration on the same registry must panic, so NewMetrics
	// with the same reg twice is a programming error.
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordsPersisted.Inc()
	if got := testutil.ToFloat64(m.RecordsPersisted); got != 1 {
		t.Errorf("unregistered counter = %v, want 1", got)
	}
}

func TestObserveMotionTransition(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveMotionTransition("stationary", "moving")
	m.ObserveMotionTransition("stationary", "moving")
	m.ObserveMotionTransition("moving", "stationary")

	if got := testutil.ToFloat64(m.MotionTransitions.WithLabelValues("stationary", "moving")); got != 2 {
		t.Errorf("stationary->moving = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MotionTransitions.WithLabelValues("moving", "stationary")); got != 1 {
		t.Errorf("moving->stationary = %v, want 1", got)
	}
}

func TestObserveSyncBatch(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveSyncBatch("success", 25)
	m.ObserveSyncBatch("retryable", 0)

	if got := testutil.ToFloat64(m.SyncBatches.WithLabelValues("success")); got != 1 {
		t.Errorf("success batches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SyncBatches.WithLabelValues("retryable")); got != 1 {
		t.Errorf("retryable batches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SyncedRecords); got != 25 {
		t.Errorf("synced records = %v, want 25", got)
	}
}
