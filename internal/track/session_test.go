package track

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
)

// testStart is a Monday. Schedule window tests depend on the weekday.
var testStart = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type sessionHarness struct {
	clock      *timeutil.MockClock
	bus        *Bus
	rec        *MockRecorder
	provider   *MockProvider
	classifier *MockClassifier
	accel      *MockAccelerometer
	monitor    *MockGeofenceMonitor
	conn       *MockConnectivity
	perms      *MockPermissions
	syncer     *MockSyncer
	metrics    *monitoring.Metrics
	session    *Session
	events     <-chan Event
}

func newSessionHarness(t *testing.T, start time.Time) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		clock:      timeutil.NewMockClock(start),
		bus:        NewBus(),
		rec:        NewMockRecorder(),
		provider:   &MockProvider{},
		classifier: &MockClassifier{},
		accel:      &MockAccelerometer{},
		monitor:    NewMockGeofenceMonitor(20),
		conn:       &MockConnectivity{},
		perms:      NewMockPermissions(true),
		syncer:     &MockSyncer{},
		metrics:    monitoring.NewMetrics(nil),
	}
	s, err := NewSession(SessionOptions{
		Clock:         h.clock,
		Bus:           h.bus,
		Recorder:      h.rec,
		Syncer:        h.syncer,
		Provider:      h.provider,
		Classifier:    h.classifier,
		Accelerometer: h.accel,
		Monitor:       h.monitor,
		Connectivity:  h.conn,
		Permissions:   h.perms,
		Metrics:       h.metrics,
	})
	require.NoError(t, err)
	h.session = s
	_, h.events = h.bus.Subscribe()
	t.Cleanup(func() { _ = s.Stop() })
	return h
}

// drain empties the event channel without blocking.
func (h *sessionHarness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofKind(evs []Event, k EventKind) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() *config.TrackingConfig {
	return config.Default()
}

func sample(lat, lon, accuracy, speed float64, ts time.Time) LocationSample {
	return LocationSample{Lat: lat, Lon: lon, Accuracy: accuracy, Speed: speed, Timestamp: ts, Provider: "test"}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	assert.Equal(t, SessionIdle, s.State())

	// Starting without a config is a config error.
	err := s.Start()
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrConfigInvalid, terr.Kind)
	assert.Len(t, ofKind(h.drain(), EventError), 1)

	require.NoError(t, s.Reconfigure(testConfig()))
	assert.Equal(t, SessionReady, s.State())

	require.NoError(t, s.Start())
	s.barrier()
	assert.Equal(t, SessionTracking, s.State())

	evs := h.drain()
	enabled := ofKind(evs, EventEnabledChange)
	require.Len(t, enabled, 1)
	assert.True(t, *enabled[0].Enabled)

	// Fresh sessions come up stationary: low-power fixes, accelerometer on.
	assert.Equal(t, 1, h.classifier.StartCount())
	last, ok := h.provider.LastStart()
	require.True(t, ok)
	assert.Equal(t, ModeLowPower, last.Mode)
	assert.True(t, h.accel.Enabled())

	// Start while tracking is a no-op.
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	assert.Equal(t, SessionIdle, s.State())
	assert.Equal(t, 1, h.provider.StopCount())
	assert.Equal(t, 1, h.classifier.StopCount())
	assert.False(t, h.accel.Enabled())

	evs = h.drain()
	enabled = ofKind(evs, EventEnabledChange)
	require.Len(t, enabled, 1)
	assert.False(t, *enabled[0].Enabled)

	// Stop is idempotent.
	require.NoError(t, s.Stop())

	// The retained config allows a restart.
	require.NoError(t, s.Start())
	s.barrier()
	assert.Equal(t, SessionTracking, s.State())
}

func TestSessionPermissionDenied(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	h.perms.SetGranted(false)

	require.NoError(t, h.session.Reconfigure(testConfig()))
	err := h.session.Start()
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrPermissionDenied, terr.Kind)
	assert.Equal(t, SessionReady, h.session.State())
	assert.Len(t, ofKind(h.drain(), EventError), 1)
}

func TestSessionRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)

	bad := testConfig()
	bad.Filter.AccuracyPolicy = config.String("shred")
	err := h.session.Reconfigure(bad)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrConfigInvalid, terr.Kind)
	assert.Equal(t, SessionIdle, h.session.State())
}

func TestSessionFixFlow(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())

	// Wake the machine so fixes accrue context.
	s.OnActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: testStart})
	s.barrier()
	assert.True(t, s.Snapshot().Moving)

	evs := h.drain()
	motion := ofKind(evs, EventMotionChange)
	require.Len(t, motion, 1)
	assert.True(t, *motion[0].IsMoving)
	require.Len(t, ofKind(evs, EventActivityChange), 1)

	s.OnLocation(sample(47.6000, -122.3, 10, 1.5, testStart.Add(time.Second)))
	s.barrier()

	evs = h.drain()
	locs := ofKind(evs, EventLocation)
	require.Len(t, locs, 1)
	assert.Equal(t, int64(1), locs[0].RecordID)

	recs := h.rec.Locations()
	require.Len(t, recs, 1)
	assert.Equal(t, RecordEventFix, recs[0].Event)
	assert.True(t, recs[0].IsMoving)

	// Roughly 111 m north.
	s.OnLocation(sample(47.6010, -122.3, 10, 1.5, testStart.Add(time.Minute)))
	s.barrier()
	assert.InDelta(t, 111.2, s.Snapshot().Odometer, 1.0)

	// A rejected fix emits exactly one error event and stores nothing.
	before := len(h.rec.Locations())
	s.OnLocation(sample(47.7, -122.3, 500, 0, testStart.Add(2*time.Minute)))
	s.barrier()
	evs = h.drain()
	errs := ofKind(evs, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrFilterRejected, errs[0].Err.Kind)
	assert.Empty(t, ofKind(evs, EventLocation))
	assert.Len(t, h.rec.Locations(), before)
}

func TestSessionLeavesPersistedCountToRecorder(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())

	// Two accepted fixes persist through the recorder.
	s.OnActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: testStart})
	s.OnLocation(sample(47.6000, -122.3, 10, 1.5, testStart.Add(time.Second)))
	s.OnLocation(sample(47.6010, -122.3, 10, 1.5, testStart.Add(time.Minute)))
	s.barrier()
	require.Len(t, h.rec.Locations(), 2)

	// The persisted-records counter belongs to the recorder's insert path;
	// the session must not add to it or the daemon, which shares one
	// metrics set between session and store, counts every record twice.
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RecordsPersisted))
}

func TestSessionOdometerEligibility(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	cfg := testConfig()
	cfg.Filter.OdometerAccuracyThreshold = config.Float64(50)
	require.NoError(t, h.rec.SaveState(PersistedState{Moving: true, Odometer: 0}))
	require.NoError(t, s.Reconfigure(cfg))
	require.NoError(t, s.Start())
	s.barrier()

	// Restored as moving.
	require.True(t, s.Snapshot().Moving)

	s.OnLocation(sample(47.6000, -122.3, 10, 0, testStart.Add(time.Second)))
	s.barrier()
	assert.Equal(t, 0.0, s.Snapshot().Odometer)

	// Accepted but too coarse for the odometer.
	s.OnLocation(sample(47.6010, -122.3, 80, 0, testStart.Add(time.Minute)))
	s.barrier()
	assert.Equal(t, 0.0, s.Snapshot().Odometer)
	assert.Len(t, h.rec.Locations(), 2)

	// The gap is bridged from the last eligible fix.
	s.OnLocation(sample(47.6020, -122.3, 10, 0, testStart.Add(2*time.Minute)))
	s.barrier()
	assert.InDelta(t, 222.4, s.Snapshot().Odometer, 2.0)

	// Stored odometer context is non-decreasing.
	recs := h.rec.Locations()
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].Odometer, recs[i-1].Odometer)
	}
}

func TestSessionStopTimeoutDeclaresStationary(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, h.rec.SaveState(PersistedState{Moving: true}))
	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())

	s.OnLocation(sample(47.6, -122.3, 10, 0, testStart.Add(time.Second)))
	s.OnActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: testStart.Add(2 * time.Second)})
	s.barrier()
	assert.Equal(t, PendingStop.String(), s.Snapshot().MotionState)
	h.drain()

	// Default stop timeout is five minutes.
	h.clock.Advance(5 * time.Minute)
	s.barrier()

	evs := h.drain()
	motion := ofKind(evs, EventMotionChange)
	require.Len(t, motion, 1)
	assert.False(t, *motion[0].IsMoving)

	snap := s.Snapshot()
	assert.Equal(t, Stationary.String(), snap.MotionState)
	last, ok := h.provider.LastStart()
	require.True(t, ok)
	assert.Equal(t, ModeLowPower, last.Mode)
	assert.True(t, h.accel.Enabled())

	// The declaration also persisted a motionchange record.
	recs := h.rec.Locations()
	require.NotEmpty(t, recs)
	assert.Equal(t, RecordEventMotionChange, recs[len(recs)-1].Event)
	assert.False(t, recs[len(recs)-1].IsMoving)

	// A shake wakes the session again.
	s.OnAccel(AccelSample{X: 0, Y: 0, Z: gravity + 3, At: testStart.Add(6 * time.Minute)})
	s.barrier()
	evs = h.drain()
	motion = ofKind(evs, EventMotionChange)
	require.Len(t, motion, 1)
	assert.True(t, *motion[0].IsMoving)
	last, _ = h.provider.LastStart()
	assert.Equal(t, ModeHighPower, last.Mode)
	assert.False(t, h.accel.Enabled())
}

func TestSessionGeofenceFlow(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	// Regions added before start are persisted and loaded on start.
	require.NoError(t, s.AddGeofence(region("home", 47.6, -122.3, 200)))
	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()

	regions, err := s.Geofences()
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "home", regions[0].ID)

	s.OnLocation(sample(47.6, -122.3, 10, 0, testStart.Add(time.Second)))
	s.barrier()

	evs := h.drain()
	geofences := ofKind(evs, EventGeofence)
	require.Len(t, geofences, 1)
	assert.Equal(t, GeofenceEnter, geofences[0].Geofence.Action)
	assert.NotZero(t, geofences[0].RecordID)

	setChanges := ofKind(evs, EventGeofencesChange)
	require.Len(t, setChanges, 1)
	assert.Equal(t, []string{"home"}, setChanges[0].MonitoredIDs)
	assert.True(t, h.monitor.Registered()["home"])

	gevs := h.rec.GeofenceEvents()
	require.Len(t, gevs, 1)
	assert.Equal(t, GeofenceEnter, gevs[0].Event.Action)

	// Adding a second region while tracking rebalances immediately.
	require.NoError(t, s.AddGeofence(region("work", 47.61, -122.3, 200)))
	evs = h.drain()
	require.Len(t, ofKind(evs, EventGeofencesChange), 1)
	assert.True(t, h.monitor.Registered()["work"])

	// Invalid definitions never reach the store.
	err = s.AddGeofence(region("", 47.6, -122.3, 100))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrConfigInvalid, terr.Kind)

	removed, err := s.RemoveGeofence("home")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, h.monitor.Registered()["home"])

	removed, err = s.RemoveGeofence("nowhere")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSessionScheduleWindow(t *testing.T) {
	t.Parallel()
	// Monday 08:00 UTC, one hour before the window opens.
	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	h := newSessionHarness(t, start)
	s := h.session

	cfg := testConfig()
	cfg.Schedule = config.ScheduleConfig{
		Windows:  []string{"1-5 09:00-17:00"},
		Timezone: config.String("UTC"),
	}
	require.NoError(t, s.Reconfigure(cfg))
	require.NoError(t, s.Start())
	s.barrier()

	// Outside the window: tracking but sources idle.
	assert.Equal(t, SessionTracking, s.State())
	assert.False(t, s.Snapshot().Enabled)
	assert.Equal(t, 0, h.classifier.StartCount())
	assert.False(t, h.provider.Running())

	// Fixes outside the window are shed.
	s.OnLocation(sample(47.6, -122.3, 10, 0, start.Add(time.Second)))
	s.barrier()
	assert.Empty(t, h.rec.Locations())
	h.drain()

	// The window opens.
	h.clock.Advance(time.Hour)
	s.barrier()
	assert.True(t, s.Snapshot().Enabled)
	assert.Equal(t, 1, h.classifier.StartCount())
	assert.True(t, h.provider.Running())
	activations := ofKind(h.drain(), EventScheduleActivate)
	require.Len(t, activations, 1)
	assert.True(t, *activations[0].Enabled)

	s.OnLocation(sample(47.6, -122.3, 10, 0, start.Add(time.Hour+time.Second)))
	s.barrier()
	assert.Len(t, h.rec.Locations(), 1)

	// The window closes.
	h.clock.Advance(8 * time.Hour)
	s.barrier()
	assert.False(t, s.Snapshot().Enabled)
	assert.False(t, h.provider.Running())
	activations = ofKind(h.drain(), EventScheduleActivate)
	require.Len(t, activations, 1)
	assert.False(t, *activations[0].Enabled)
}

func TestSessionAutoStop(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	cfg := testConfig()
	cfg.Schedule.StopAfterElapsedMinutes = config.Int(30)
	require.NoError(t, s.Reconfigure(cfg))
	require.NoError(t, s.Start())
	s.barrier()
	require.Equal(t, SessionTracking, s.State())

	h.clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool {
		return s.State() == SessionIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.provider.Running())
}

func TestSessionConnectivityTriggersDrain(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()
	h.drain()

	s.OnConnectivity(TransportCellular)
	s.barrier()
	evs := ofKind(h.drain(), EventConnectivity)
	require.Len(t, evs, 1)
	assert.Equal(t, TransportCellular, *evs[0].Transport)
	assert.Contains(t, h.syncer.Reasons(), "connectivity")

	// Repeating the same transport is not a change.
	s.OnConnectivity(TransportCellular)
	s.barrier()
	assert.Empty(t, ofKind(h.drain(), EventConnectivity))
}

func TestSessionAutoSyncDrains(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	cfg := testConfig()
	cfg.Sync.AutoSyncInterval = config.String("15m")
	require.NoError(t, s.Reconfigure(cfg))
	require.NoError(t, s.Start())
	s.barrier()

	h.clock.Advance(15 * time.Minute)
	s.barrier()
	reasons := h.syncer.Reasons()
	assert.Contains(t, reasons, "schedule")

	// The timer re-arms after each drain.
	h.clock.Advance(15 * time.Minute)
	s.barrier()
	assert.Greater(t, len(h.syncer.Reasons()), len(reasons))
}

func TestSessionSyncNow(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)

	require.NoError(t, h.session.SyncNow())
	assert.Equal(t, []string{"manual"}, h.syncer.Reasons())

	bare, err := NewSession(SessionOptions{
		Recorder:      NewMockRecorder(),
		Provider:      &MockProvider{},
		Classifier:    &MockClassifier{},
		Accelerometer: &MockAccelerometer{},
		Monitor:       NewMockGeofenceMonitor(5),
	})
	require.NoError(t, err)
	assert.Error(t, bare.SyncNow())
}

func TestSessionReconfigureWhileTracking(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()
	require.Equal(t, 10.0, s.Snapshot().EffectiveMinDistance)

	next := testConfig()
	next.Filter.DistanceFilter = config.Float64(25)
	require.NoError(t, s.Reconfigure(next))

	assert.Equal(t, 25.0, s.Snapshot().EffectiveMinDistance)
	last, ok := h.provider.LastStart()
	require.True(t, ok)
	assert.Equal(t, 25.0, last.MinDistance)
	assert.Equal(t, SessionTracking, s.State())
}

func TestSessionStoreErrorSurfacedNotFatal(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()
	h.drain()

	h.rec.SetSaveErr(errors.New("disk full"))
	s.OnLocation(sample(47.6, -122.3, 10, 0, testStart.Add(time.Second)))
	s.barrier()

	evs := ofKind(h.drain(), EventError)
	require.NotEmpty(t, evs)
	assert.Equal(t, ErrStore, evs[0].Err.Kind)
	assert.Equal(t, SessionTracking, s.State())

	// The session keeps processing once the store recovers.
	h.rec.SetSaveErr(nil)
	s.OnLocation(sample(47.6001, -122.3, 10, 0, testStart.Add(2*time.Second)))
	s.barrier()
	assert.NotEmpty(t, h.rec.Locations())
}

func TestSessionSourceErrorKeepsState(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()
	before := s.Snapshot().MotionState
	h.drain()

	s.OnSourceError("activity classifier", fmt.Errorf("sensor offline"))
	s.barrier()

	evs := ofKind(h.drain(), EventError)
	require.Len(t, evs, 1)
	assert.Equal(t, ErrProviderUnavailable, evs[0].Err.Kind)
	assert.Equal(t, before, s.Snapshot().MotionState)
	assert.Equal(t, SessionTracking, s.State())
}

func TestSessionHighAccuracyGeofencing(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.AddGeofence(region("home", 47.6, -122.3, 200)))
	cfg := testConfig()
	cfg.Geofence.HighAccuracy = config.Bool(true)
	require.NoError(t, s.Reconfigure(cfg))
	require.NoError(t, s.Start())
	s.barrier()

	// Stationary would normally run low power; high-accuracy geofencing
	// keeps continuous fixes.
	require.False(t, s.Snapshot().Moving)
	last, ok := h.provider.LastStart()
	require.True(t, ok)
	assert.Equal(t, ModeHighPower, last.Mode)
}

func TestSessionNativeGeofenceAdvisory(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()
	h.drain()

	s.OnNativeGeofence("home", GeofenceEnter)
	s.barrier()
	assert.Empty(t, ofKind(h.drain(), EventGeofence))
	assert.Empty(t, h.rec.GeofenceEvents())
}

func TestSessionPersistsStateOnStop(t *testing.T) {
	t.Parallel()
	h := newSessionHarness(t, testStart)
	s := h.session

	require.NoError(t, h.rec.SaveState(PersistedState{Moving: true, Odometer: 500}))
	require.NoError(t, s.Reconfigure(testConfig()))
	require.NoError(t, s.Start())
	s.barrier()

	s.OnLocation(sample(47.6, -122.3, 10, 0, testStart.Add(time.Second)))
	s.OnLocation(sample(47.601, -122.3, 10, 0, testStart.Add(time.Minute)))
	s.barrier()
	require.NoError(t, s.Stop())

	st := h.rec.State()
	require.NotNil(t, st)
	assert.True(t, st.Moving)
	assert.InDelta(t, 611.2, st.Odometer, 2.0)
	assert.Equal(t, testStart.Add(time.Minute), st.LastFixAt)
	assert.False(t, st.Enabled)
}
