package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tracelet"

// Metrics holds the Prometheus instruments for the tracking engine. All
// instruments are safe for concurrent use.
type Metrics struct {
	// SamplesTotal counts raw location samples by source (gps, network,
	// replay).
	SamplesTotal *prometheus.CounterVec

	// FilterRejections counts samples dropped by the location filter.
	// Labels: reason (accuracy, stale, duplicate).
	FilterRejections *prometheus.CounterVec

	// MotionTransitions counts motion state machine transitions.
	// Labels: from, to.
	MotionTransitions *prometheus.CounterVec

	// GeofenceTransitions counts geofence boundary crossings.
	// Labels: direction (enter, exit).
	GeofenceTransitions *prometheus.CounterVec

	// RecordsPersisted counts records written to the store. The store's
	// insert path is its only incrementer.
	RecordsPersisted prometheus.Counter

	// RecordsPruned counts records removed by retention.
	// Labels: reason (age, count).
	RecordsPruned *prometheus.CounterVec

	// SyncBatches counts sync attempts by outcome (success, retryable,
	// terminal).
	SyncBatches *prometheus.CounterVec

	// SyncedRecords counts records acknowledged by the sync endpoint.
	SyncedRecords prometheus.Counter

	// PendingRecords tracks records awaiting sync.
	PendingRecords prometheus.Gauge

	// MonitoredGeofences tracks regions currently registered with the
	// platform monitor.
	MonitoredGeofences prometheus.Gauge

	// EngineRunning is 1 while a tracking session is active.
	EngineRunning prometheus.Gauge
}

// NewMetrics builds the engine instruments and registers them with reg.
// A nil reg skips registration, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "location_samples_total",
				Help:      "Raw location samples received by source",
			},
			[]string{"source"},
		),
		FilterRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "filter_rejections_total",
				Help:      "Location samples rejected by the filter by reason",
			},
			[]string{"reason"},
		),
		MotionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "motion_transitions_total",
				Help:      "Motion state machine transitions",
			},
			[]string{"from", "to"},
		),
		GeofenceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "geofence_transitions_total",
				Help:      "Geofence boundary crossings by direction",
			},
			[]string{"direction"},
		),
		RecordsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_persisted_total",
				Help:      "Records written to the local store",
			},
		),
		RecordsPruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "records_pruned_total",
				Help:      "Records removed by retention by reason",
			},
			[]string{"reason"},
		),
		SyncBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sync_batches_total",
				Help:      "Sync batch attempts by outcome",
			},
			[]string{"outcome"},
		),
		SyncedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "synced_records_total",
				Help:      "Records acknowledged by the sync endpoint",
			},
		),
		PendingRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_records",
				Help:      "Records in the store awaiting sync",
			},
		),
		MonitoredGeofences: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "monitored_geofences",
				Help:      "Regions registered with the platform geofence monitor",
			},
		),
		EngineRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "engine_running",
				Help:      "1 while a tracking session is active",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SamplesTotal,
			m.FilterRejections,
			m.MotionTransitions,
			m.GeofenceTransitions,
			m.RecordsPersisted,
			m.RecordsPruned,
			m.SyncBatches,
			m.SyncedRecords,
			m.PendingRecords,
			m.MonitoredGeofences,
			m.EngineRunning,
		)
	}
	return m
}

// ObserveMotionTransition records a state machine transition.
func (m *Metrics) ObserveMotionTransition(from, to string) {
	m.MotionTransitions.WithLabelValues(from, to).Inc()
}

// ObserveGeofenceTransition records a boundary crossing.
func (m *Metrics) ObserveGeofenceTransition(direction string) {
	m.GeofenceTransitions.WithLabelValues(direction).Inc()
}

// ObserveSyncBatch records a sync attempt outcome and the records it
// acknowledged.
func (m *Metrics) ObserveSyncBatch(outcome string, records int) {
	m.SyncBatches.WithLabelValues(outcome).Inc()
	if records > 0 {
		m.SyncedRecords.Add(float64(records))
	}
}
