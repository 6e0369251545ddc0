package track

import (
	"fmt"
	"sync"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
)

// intakeBuffer is the session intake queue depth. Source callbacks enqueue
// without blocking; a queue this far behind starts shedding samples.
const intakeBuffer = 256

// Snapshot is a point-in-time view of the session for status queries.
type Snapshot struct {
	State                SessionState    `json:"state"`
	Enabled              bool            `json:"enabled"`
	Moving               bool            `json:"moving"`
	MotionState          string          `json:"motion_state"`
	Odometer             float64         `json:"odometer"`
	LastFix              *LocationSample `json:"last_fix,omitempty"`
	EffectiveMinDistance float64         `json:"effective_min_distance"`
	ProviderMode         string          `json:"provider_mode"`
	ProviderOn           bool            `json:"provider_on"`
	RegisteredGeofences  int             `json:"registered_geofences"`
	MonitoredGeofences   int             `json:"monitored_geofences"`
	Transport            string          `json:"transport"`
	StartedAt            time.Time       `json:"started_at,omitempty"`
}

// SessionOptions wires a session's collaborators. Recorder, Provider,
// Classifier, Accelerometer and Monitor are required.
type SessionOptions struct {
	Clock         timeutil.Clock // defaults to the real clock
	Bus           *Bus           // defaults to a fresh bus
	Recorder      Recorder
	Syncer        Syncer // nil disables sync triggers
	Provider      LocationProvider
	Classifier    ActivityClassifier
	Accelerometer Accelerometer
	Monitor       GeofenceMonitor
	Connectivity  ConnectivitySource  // nil reports no transport
	Permissions   Permissions         // nil means granted
	Metrics       *monitoring.Metrics // nil disables metric registration
}

// Session is the orchestrator. It owns the filter, motion machine and
// geofence manager, serializes all state mutation behind a single run loop,
// and routes accepted fixes through filter, geofences and store as one
// atomic unit per fix.
type Session struct {
	clock        timeutil.Clock
	bus          *Bus
	rec          Recorder
	syncer       Syncer
	provider     LocationProvider
	classifier   ActivityClassifier
	accel        Accelerometer
	monitor      GeofenceMonitor
	connectivity ConnectivitySource
	permissions  Permissions
	metrics      *monitoring.Metrics

	mu       sync.Mutex
	state    SessionState
	cfg      *config.TrackingConfig
	running  bool
	intake   chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce *sync.Once
	snap     Snapshot

	// Everything below is owned by the run loop.
	machine    *MotionMachine
	filter     *Filter
	geofences  *GeofenceManager
	sched      *config.Schedule
	enabled    bool
	sourcesOn  bool
	providerOn bool
	provMode   ProviderMode
	minDist    float64
	odometer   float64
	lastFix    *LocationSample
	lastOdoFix *LocationSample
	lastFixAt  time.Time
	transport  Transport
	startedAt  time.Time
	quitLoop   bool

	scheduleGen   uint64
	scheduleTimer timeutil.Timer
	autoStopGen   uint64
	autoStopTimer timeutil.Timer
	syncGen       uint64
	syncTimer     timeutil.Timer
}

// NewSession builds a session in the idle state.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Recorder == nil {
		return nil, fmt.Errorf("session: recorder is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("session: location provider is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("session: activity classifier is required")
	}
	if opts.Accelerometer == nil {
		return nil, fmt.Errorf("session: accelerometer is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("session: geofence monitor is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	if opts.Permissions == nil {
		opts.Permissions = StaticPermissions{Grant: true}
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	return &Session{
		clock:        opts.Clock,
		bus:          opts.Bus,
		rec:          opts.Recorder,
		syncer:       opts.Syncer,
		provider:     opts.Provider,
		classifier:   opts.Classifier,
		accel:        opts.Accelerometer,
		monitor:      opts.Monitor,
		connectivity: opts.Connectivity,
		permissions:  opts.Permissions,
		metrics:      opts.Metrics,
		state:        SessionIdle,
	}, nil
}

// Bus returns the session event bus.
func (s *Session) Bus() *Bus { return s.bus }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the current configuration snapshot, which may be nil before
// the first Reconfigure.
func (s *Session) Config() *config.TrackingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Snapshot returns the latest published session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.State = s.state
	return snap
}

// Reconfigure validates and installs a new configuration snapshot. From idle
// it moves the session to ready; while tracking the new settings are applied
// in place on the run loop. The snapshot must not be mutated afterwards.
func (s *Session) Reconfigure(cfg *config.TrackingConfig) error {
	if cfg == nil {
		return NewError(ErrConfigInvalid, "reconfigure", fmt.Errorf("nil config"))
	}
	if err := cfg.Validate(); err != nil {
		werr := NewError(ErrConfigInvalid, "reconfigure", err)
		s.bus.Publish(ErrorEvent(s.clock.Now(), werr))
		return werr
	}
	sched, err := cfg.Schedule.Compile()
	if err != nil {
		werr := NewError(ErrConfigInvalid, "reconfigure", err)
		s.bus.Publish(ErrorEvent(s.clock.Now(), werr))
		return werr
	}

	s.mu.Lock()
	s.cfg = cfg
	if s.state == SessionIdle {
		s.state = SessionReady
	}
	tracking := s.state == SessionTracking && s.running
	s.mu.Unlock()

	if tracking {
		s.callOnLoop(func() {
			s.filter.Reconfigure(cfg.Filter, cfg.Elasticity)
			s.machine.Reconfigure(cfg.Motion)
			s.geofences.Reconfigure(cfg.Geofence)
			s.rec.Configure(cfg.Retention)
			s.sched = sched
			s.applySchedule()
			s.armScheduleTimer()
			s.armAutoStopTimer()
			s.armSyncTimer()
			s.pushMinDistance()
			s.publishSnapshot()
		})
	}
	return nil
}

// Start moves the session to tracking: it restores persisted state, loads
// the geofence set, starts the run loop and brings sources up according to
// the schedule. Starting a tracking session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if cfg == nil {
		err := NewError(ErrConfigInvalid, "start", fmt.Errorf("no configuration installed"))
		s.bus.Publish(ErrorEvent(s.clock.Now(), err))
		return err
	}
	if s.permissions != nil && !s.permissions.Granted() {
		err := NewError(ErrPermissionDenied, "start", fmt.Errorf("location permission not granted"))
		s.bus.Publish(ErrorEvent(s.clock.Now(), err))
		return err
	}
	sched, err := cfg.Schedule.Compile()
	if err != nil {
		werr := NewError(ErrConfigInvalid, "start", err)
		s.bus.Publish(ErrorEvent(s.clock.Now(), werr))
		return werr
	}

	s.rec.Configure(cfg.Retention)

	initial := Stationary
	s.odometer = 0
	s.lastFixAt = time.Time{}
	if st, err := s.rec.LoadState(); err != nil {
		monitoring.Logf("session: restore state: %v", err)
	} else if st != nil {
		if st.Moving {
			initial = Moving
		}
		s.odometer = st.Odometer
		s.lastFixAt = st.LastFixAt
	}

	// The timer callback pins the machine instance so a fire armed before a
	// restart cannot reach the next session's machine.
	var machine *MotionMachine
	machine = NewMotionMachine(s.clock, cfg.Motion, initial, func(k timerKind, gen uint64) {
		s.enqueue(func() {
			if s.machine != machine {
				return
			}
			s.applyMotion(machine.handleTimerFired(k, gen))
		})
	})
	s.machine = machine
	s.filter = NewFilter(cfg.Filter, cfg.Elasticity)
	s.geofences = NewGeofenceManager(s.monitor, cfg.Geofence)
	if regions, err := s.rec.ListRegions(); err != nil {
		monitoring.Logf("session: load geofences: %v", err)
	} else {
		for _, r := range regions {
			if err := s.geofences.AddRegion(r); err != nil {
				monitoring.Logf("session: load geofence %q: %v", r.ID, err)
			}
		}
	}

	s.sched = sched
	s.enabled = sched.ActiveAt(s.clock.Now())
	s.lastFix = nil
	s.lastOdoFix = nil
	s.quitLoop = false
	s.minDist = s.filter.EffectiveDistance()

	s.mu.Lock()
	s.state = SessionTracking
	s.running = true
	s.intake = make(chan func(), intakeBuffer)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.mu.Unlock()

	go s.run()
	s.enqueue(s.bootOnLoop)
	return nil
}

// Stop halts tracking, stops sources, persists state and returns once the
// run loop has exited. Stopping an idle or ready session only drops it back
// to idle.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.state = SessionIdle
		s.mu.Unlock()
		return nil
	}
	stopOnce, stopCh, doneCh := s.stopOnce, s.stopCh, s.doneCh
	s.mu.Unlock()

	stopOnce.Do(func() { close(stopCh) })
	<-doneCh
	return nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.stopCh:
			s.shutdownOnLoop()
			return
		case fn := <-s.intake:
			fn()
			if s.quitLoop {
				s.shutdownOnLoop()
				return
			}
		}
	}
}

func (s *Session) bootOnLoop() {
	now := s.clock.Now()
	s.startedAt = now
	if s.connectivity != nil {
		s.transport = s.connectivity.Current()
	}
	s.metrics.EngineRunning.Set(1)

	enabled := true
	s.bus.Publish(Event{Kind: EventEnabledChange, At: now, Enabled: &enabled})
	if s.enabled {
		s.enableSources()
	} else {
		monitoring.Debugf("session: started outside schedule window, sources idle")
	}

	s.armScheduleTimer()
	s.armAutoStopTimer()
	s.armSyncTimer()
	s.persistState()
	s.publishSnapshot()
}

func (s *Session) shutdownOnLoop() {
	now := s.clock.Now()
	s.machine.CancelTimers()
	s.stopLoopTimers()
	s.disableSources()
	s.enabled = false
	s.persistState()
	s.metrics.EngineRunning.Set(0)

	s.mu.Lock()
	s.state = SessionIdle
	s.running = false
	doneCh := s.doneCh
	s.mu.Unlock()

	enabled := false
	s.bus.Publish(Event{Kind: EventEnabledChange, At: now, Enabled: &enabled})
	s.publishSnapshot()
	close(doneCh)
}

func (s *Session) stopLoopTimers() {
	s.scheduleGen++
	if s.scheduleTimer != nil {
		s.scheduleTimer.Stop()
		s.scheduleTimer = nil
	}
	s.autoStopGen++
	if s.autoStopTimer != nil {
		s.autoStopTimer.Stop()
		s.autoStopTimer = nil
	}
	s.syncGen++
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
}

// enqueue delivers fn to the run loop, blocking until the loop accepts it.
// Returns false once the loop has exited. Timer callbacks use this path so a
// fire is never lost.
func (s *Session) enqueue(fn func()) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	intake, done := s.intake, s.doneCh
	s.mu.Unlock()
	select {
	case intake <- fn:
		return true
	case <-done:
		return false
	}
}

// offer is the non-blocking enqueue used by high-rate source callbacks.
// Samples arriving faster than the loop drains are shed rather than
// stalling the source.
func (s *Session) offer(name string, fn func()) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	intake := s.intake
	s.mu.Unlock()
	select {
	case intake <- fn:
		return true
	default:
		monitoring.Logf("session: intake full, dropping %s event", name)
		return false
	}
}

// callOnLoop runs fn on the loop and waits for it to finish.
func (s *Session) callOnLoop(fn func()) bool {
	done := make(chan struct{})
	if !s.enqueue(func() {
		fn()
		close(done)
	}) {
		return false
	}
	s.mu.Lock()
	loopDone := s.doneCh
	s.mu.Unlock()
	select {
	case <-done:
		return true
	case <-loopDone:
		return false
	}
}

// barrier blocks until the loop has processed everything queued before the
// call.
func (s *Session) barrier() {
	s.callOnLoop(func() {})
}

// OnLocation feeds one fix from the provider. Never blocks.
func (s *Session) OnLocation(sample LocationSample) {
	s.offer("location", func() { s.processFix(sample) })
}

// OnActivity feeds one activity classifier transition. Never blocks.
func (s *Session) OnActivity(ev ActivityEvent) {
	s.offer("activity", func() { s.processActivity(ev) })
}

// OnAccel feeds one accelerometer sample. Never blocks.
func (s *Session) OnAccel(sample AccelSample) {
	s.offer("accel", func() {
		if !s.enabled {
			return
		}
		s.applyMotion(s.machine.HandleAccel(sample))
	})
}

// OnConnectivity reports a transport change. A change triggers a sync drain.
func (s *Session) OnConnectivity(t Transport) {
	s.offer("connectivity", func() {
		if t == s.transport {
			return
		}
		s.transport = t
		tt := t
		s.bus.Publish(Event{Kind: EventConnectivity, At: s.clock.Now(), Transport: &tt})
		if s.syncer != nil {
			s.syncer.Drain(DrainConnectivity)
		}
		s.publishSnapshot()
	})
}

// OnNativeGeofence records an advisory platform region event. In-process
// membership computation stays authoritative, so the event is logged and
// never re-emitted as a transition.
func (s *Session) OnNativeGeofence(regionID string, action GeofenceAction) {
	s.offer("native geofence", func() {
		monitoring.Debugf("session: native geofence event region=%s action=%s (advisory)", regionID, action)
	})
}

// OnSourceError surfaces a source failure. The motion machine keeps its last
// known state; only the error event is emitted.
func (s *Session) OnSourceError(source string, err error) {
	s.offer("source error", func() {
		s.publishError(NewError(ErrProviderUnavailable, source, err))
	})
}

// SyncNow requests an immediate sync drain.
func (s *Session) SyncNow() error {
	if s.syncer == nil {
		return fmt.Errorf("sync is not configured")
	}
	s.syncer.Drain(DrainManual)
	return nil
}

func (s *Session) processActivity(ev ActivityEvent) {
	if !s.enabled {
		return
	}
	evc := ev
	s.bus.Publish(Event{Kind: EventActivityChange, At: ev.At, Activity: &evc})
	s.applyMotion(s.machine.HandleActivity(ev))
}

// processFix is the per-fix atomic unit: filter, odometer, geofences, store,
// notify. The next fix is not taken off the intake until this returns.
func (s *Session) processFix(sample LocationSample) {
	if !s.enabled {
		monitoring.Debugf("session: fix outside schedule window dropped")
		return
	}
	s.metrics.SamplesTotal.WithLabelValues(sample.Provider).Inc()

	out := s.filter.Apply(sample)
	if !out.Accepted {
		s.metrics.FilterRejections.WithLabelValues(out.Reason).Inc()
		if !out.Silent {
			s.publishError(Errorf(ErrFilterRejected, "filter", "fix rejected: %s", out.Reason))
		}
		return
	}
	if out.Adjusted {
		s.metrics.FilterRejections.WithLabelValues(out.Reason + "_adjusted").Inc()
	}

	now := s.clock.Now()
	fix := out.Sample

	if out.OdometerEligible && s.machine.State().IsMoving() {
		if s.lastOdoFix != nil {
			s.odometer += geo.Distance(s.lastOdoFix.Lat, s.lastOdoFix.Lon, fix.Lat, fix.Lon)
		}
		odo := fix
		s.lastOdoFix = &odo
	}
	cp := fix
	s.lastFix = &cp
	s.lastFixAt = fix.Timestamp

	s.handleGeofenceUpdate(s.geofences.Evaluate(fix, fix.Timestamp), now)

	recID, err := s.rec.SaveLocation(LocationRecord{
		Sample:   fix,
		Event:    RecordEventFix,
		IsMoving: s.machine.State().IsMoving(),
		Odometer: s.odometer,
	})
	if err != nil {
		s.publishError(NewError(ErrStore, "store.location", err))
	}

	loc := fix
	s.bus.Publish(Event{Kind: EventLocation, At: now, Location: &loc, RecordID: recID})

	s.pushMinDistance()
	s.publishSnapshot()
}

func (s *Session) handleGeofenceUpdate(upd GeofenceUpdate, now time.Time) {
	for _, err := range upd.Errors {
		s.publishError(NewError(ErrProviderUnavailable, "geofence.monitor", err))
	}
	for _, tr := range upd.Transitions {
		s.metrics.ObserveGeofenceTransition(string(tr.Action))
		recID, err := s.rec.SaveGeofenceEvent(GeofenceEventRecord{
			Event:    tr,
			IsMoving: s.machine.State().IsMoving(),
			Odometer: s.odometer,
		})
		if err != nil {
			s.publishError(NewError(ErrStore, "store.geofence", err))
		}
		trc := tr
		loc := tr.Location
		s.bus.Publish(Event{Kind: EventGeofence, At: now, Geofence: &trc, Location: &loc, RecordID: recID})
	}
	if upd.SetChanged {
		s.bus.Publish(Event{Kind: EventGeofencesChange, At: now, MonitoredIDs: upd.Monitored})
		s.metrics.MonitoredGeofences.Set(float64(s.geofences.MonitoredCount()))
	}
}

func (s *Session) applyMotion(res MotionResult) {
	if res.Transition != nil {
		tr := res.Transition
		s.metrics.ObserveMotionTransition(tr.From.String(), tr.To.String())
		isMoving := tr.To.IsMoving()

		var recID int64
		if s.lastFix != nil {
			var err error
			recID, err = s.rec.SaveLocation(LocationRecord{
				Sample:   *s.lastFix,
				Event:    RecordEventMotionChange,
				IsMoving: isMoving,
				Odometer: s.odometer,
			})
			if err != nil {
				s.publishError(NewError(ErrStore, "store.motionchange", err))
			}
		}

		ev := Event{Kind: EventMotionChange, At: tr.At, IsMoving: &isMoving, RecordID: recID}
		if s.lastFix != nil {
			loc := *s.lastFix
			ev.Location = &loc
		}
		s.bus.Publish(ev)
		s.persistState()
	}
	s.applyIntents(res.Intents)
	if res.Transition != nil || len(res.Intents) > 0 {
		s.publishSnapshot()
	}
}

func (s *Session) applyIntents(intents []Intent) {
	if !s.enabled {
		return
	}
	for _, in := range intents {
		switch in {
		case IntentProviderHighPower:
			s.startProvider(ModeHighPower)
		case IntentProviderLowPower:
			// High-accuracy geofencing keeps continuous fixes regardless of
			// motion state.
			if s.geofences.WantsContinuousFixes() {
				s.startProvider(ModeHighPower)
			} else {
				s.startProvider(ModeLowPower)
			}
		case IntentAccelStart:
			if err := s.accel.Enable(); err != nil {
				s.publishError(NewError(ErrProviderUnavailable, "accelerometer", err))
			}
		case IntentAccelStop:
			if err := s.accel.Disable(); err != nil {
				s.publishError(NewError(ErrProviderUnavailable, "accelerometer", err))
			}
		}
	}
}

func (s *Session) startProvider(mode ProviderMode) {
	dist := s.filter.EffectiveDistance()
	if err := s.provider.Start(mode, dist); err != nil {
		s.publishError(NewError(ErrProviderUnavailable, "provider", err))
		return
	}
	s.providerOn = true
	s.provMode = mode
	s.minDist = dist
}

// pushMinDistance hands the provider a new minimum-distance parameter when
// the elastic distance moved since the last push.
func (s *Session) pushMinDistance() {
	if !s.providerOn {
		return
	}
	dist := s.filter.EffectiveDistance()
	if dist == s.minDist {
		return
	}
	s.startProvider(s.provMode)
}

func (s *Session) enableSources() {
	if s.sourcesOn {
		return
	}
	s.sourcesOn = true
	if err := s.classifier.Start(); err != nil {
		s.publishError(NewError(ErrProviderUnavailable, "activity classifier", err))
	}
	s.applyIntents(s.machine.InitialIntents())
}

func (s *Session) disableSources() {
	if !s.sourcesOn {
		return
	}
	s.sourcesOn = false
	s.machine.CancelTimers()
	if s.providerOn {
		if err := s.provider.Stop(); err != nil {
			s.publishError(NewError(ErrProviderUnavailable, "provider", err))
		}
		s.providerOn = false
	}
	if err := s.classifier.Stop(); err != nil {
		s.publishError(NewError(ErrProviderUnavailable, "activity classifier", err))
	}
	if err := s.accel.Disable(); err != nil {
		s.publishError(NewError(ErrProviderUnavailable, "accelerometer", err))
	}
}

// applySchedule aligns the enabled flag and sources with the schedule at the
// current instant.
func (s *Session) applySchedule() {
	active := s.sched.ActiveAt(s.clock.Now())
	if active == s.enabled {
		return
	}
	s.setEnabled(active)
}

func (s *Session) setEnabled(on bool) {
	s.enabled = on
	if on {
		s.enableSources()
	} else {
		s.disableSources()
	}
	en := on
	s.bus.Publish(Event{Kind: EventScheduleActivate, At: s.clock.Now(), Enabled: &en})
	s.persistState()
	s.publishSnapshot()
}

func (s *Session) armScheduleTimer() {
	s.scheduleGen++
	if s.scheduleTimer != nil {
		s.scheduleTimer.Stop()
		s.scheduleTimer = nil
	}
	if s.sched == nil || s.sched.Empty() {
		return
	}
	now := s.clock.Now()
	next := s.sched.NextTransition(now)
	if next.IsZero() {
		return
	}
	gen := s.scheduleGen
	s.scheduleTimer = s.clock.AfterFunc(next.Sub(now), func() {
		s.enqueue(func() { s.onScheduleTick(gen) })
	})
}

func (s *Session) onScheduleTick(gen uint64) {
	if gen != s.scheduleGen {
		return
	}
	s.applySchedule()
	s.armScheduleTimer()
}

func (s *Session) armAutoStopTimer() {
	s.autoStopGen++
	if s.autoStopTimer != nil {
		s.autoStopTimer.Stop()
		s.autoStopTimer = nil
	}
	cfg := s.Config()
	if cfg == nil {
		return
	}
	minutes := cfg.Schedule.GetStopAfterElapsedMinutes()
	if minutes <= 0 {
		return
	}
	deadline := s.startedAt.Add(time.Duration(minutes) * time.Minute)
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	gen := s.autoStopGen
	s.autoStopTimer = s.clock.AfterFunc(d, func() {
		s.enqueue(func() { s.onAutoStop(gen) })
	})
}

func (s *Session) onAutoStop(gen uint64) {
	if gen != s.autoStopGen {
		return
	}
	monitoring.Logf("session: elapsed-minutes auto-stop reached, stopping")
	s.quitLoop = true
}

func (s *Session) armSyncTimer() {
	s.syncGen++
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	if s.syncer == nil {
		return
	}
	cfg := s.Config()
	if cfg == nil {
		return
	}
	interval := cfg.Sync.GetAutoSyncInterval()
	if interval <= 0 {
		return
	}
	gen := s.syncGen
	s.syncTimer = s.clock.AfterFunc(interval, func() {
		s.enqueue(func() { s.onSyncTick(gen) })
	})
}

func (s *Session) onSyncTick(gen uint64) {
	if gen != s.syncGen {
		return
	}
	s.syncer.Drain(DrainSchedule)
	s.armSyncTimer()
}

// AddGeofence validates and persists a region. While tracking, the region
// joins the live set and the monitored subset is rebalanced against the last
// accepted fix.
func (s *Session) AddGeofence(r GeofenceRegion) error {
	if err := validateRegion(r); err != nil {
		return NewError(ErrConfigInvalid, "geofence.add", err)
	}
	if err := s.rec.SaveRegion(r); err != nil {
		return NewError(ErrStore, "geofence.add", err)
	}
	s.callOnLoop(func() {
		if err := s.geofences.AddRegion(r); err != nil {
			monitoring.Logf("session: add geofence %q: %v", r.ID, err)
			return
		}
		s.reevaluateGeofences()
	})
	return nil
}

// RemoveGeofence deletes a region. Returns false when no such region exists.
func (s *Session) RemoveGeofence(id string) (bool, error) {
	found, err := s.rec.DeleteRegion(id)
	if err != nil {
		return false, NewError(ErrStore, "geofence.remove", err)
	}
	s.callOnLoop(func() {
		removed, err := s.geofences.RemoveRegion(id)
		if err != nil {
			s.publishError(NewError(ErrProviderUnavailable, "geofence.monitor", err))
		}
		if removed {
			found = true
			s.reevaluateGeofences()
		}
	})
	return found, nil
}

// Geofences lists the registered regions. While tracking the live set is
// returned; otherwise the persisted set.
func (s *Session) Geofences() ([]GeofenceRegion, error) {
	var regions []GeofenceRegion
	if s.callOnLoop(func() { regions = s.geofences.Regions() }) {
		return regions, nil
	}
	return s.rec.ListRegions()
}

func (s *Session) reevaluateGeofences() {
	if s.lastFix == nil {
		return
	}
	s.handleGeofenceUpdate(s.geofences.Evaluate(*s.lastFix, s.clock.Now()), s.clock.Now())
	s.publishSnapshot()
}

func (s *Session) persistState() {
	st := PersistedState{
		Enabled:   s.enabled,
		Moving:    s.machine.State().IsMoving(),
		Odometer:  s.odometer,
		LastFixAt: s.lastFixAt,
	}
	if err := s.rec.SaveState(st); err != nil {
		s.publishError(NewError(ErrStore, "store.state", err))
	}
}

func (s *Session) publishError(err *Error) {
	monitoring.Logf("session: %v", err)
	s.bus.Publish(ErrorEvent(s.clock.Now(), err))
}

func (s *Session) publishSnapshot() {
	snap := Snapshot{
		Enabled:              s.enabled,
		Moving:               s.machine.State().IsMoving(),
		MotionState:          s.machine.State().String(),
		Odometer:             s.odometer,
		EffectiveMinDistance: s.filter.EffectiveDistance(),
		ProviderMode:         s.provMode.String(),
		ProviderOn:           s.providerOn,
		RegisteredGeofences:  s.geofences.Count(),
		MonitoredGeofences:   s.geofences.MonitoredCount(),
		Transport:            s.transport.String(),
		StartedAt:            s.startedAt,
	}
	if s.lastFix != nil {
		loc := *s.lastFix
		snap.LastFix = &loc
	}
	s.mu.Lock()
	snap.State = s.state
	s.snap = snap
	s.mu.Unlock()
}
