package track

import "github.com/Ikolvi/Tracelet-sub001/internal/config"

// LocationProvider is the command side of a fix source. Fixes themselves
// flow back through Session.OnLocation; the provider never calls into the
// engine directly.
type LocationProvider interface {
	// Start begins or reconfigures delivery. Calling Start on a running
	// provider applies the new mode and minimum distance in place.
	Start(mode ProviderMode, minDistance float64) error
	// Stop halts delivery. Stopping a stopped provider is a no-op.
	Stop() error
}

// ActivityClassifier is the command side of the platform activity source.
// Events flow back through Session.OnActivity.
type ActivityClassifier interface {
	Start() error
	Stop() error
}

// Accelerometer is the low-power shake detector. Samples flow back through
// Session.OnAccel. Enable and Disable are idempotent.
type Accelerometer interface {
	Enable() error
	Disable() error
}

// GeofenceMonitor is the platform region monitor with a bounded capacity.
// The engine keeps the registered set itself and hands the monitor only the
// nearest regions.
type GeofenceMonitor interface {
	Register(region GeofenceRegion) error
	Unregister(id string) error
	// Capacity returns the maximum number of concurrently monitored regions.
	Capacity() int
}

// ConnectivitySource reports the current transport. Changes flow through
// Session.OnConnectivity.
type ConnectivitySource interface {
	Current() Transport
}

// Permissions answers whether location access is granted.
type Permissions interface {
	Granted() bool
}

// Recorder is the persistence surface the session writes through. The store
// package implements it; keeping the interface here lets the engine stay
// free of storage imports.
type Recorder interface {
	// Configure applies retention settings. Called on session start and on
	// every reconfigure.
	Configure(rc config.RetentionConfig)
	// SaveLocation persists an accepted fix and returns its record ID, or 0
	// when retention policy excludes it.
	SaveLocation(rec LocationRecord) (int64, error)
	// SaveGeofenceEvent persists a membership transition, or returns 0 when
	// retention policy excludes it.
	SaveGeofenceEvent(rec GeofenceEventRecord) (int64, error)
	SaveState(st PersistedState) error
	LoadState() (*PersistedState, error)
	SaveRegion(r GeofenceRegion) error
	// DeleteRegion reports whether the region existed.
	DeleteRegion(id string) (bool, error)
	ListRegions() ([]GeofenceRegion, error)
}

// Record event subtypes for persisted location records.
const (
	RecordEventFix          = "fix"
	RecordEventMotionChange = "motionchange"
)

// LocationRecord is an accepted fix plus the engine context captured with it.
type LocationRecord struct {
	Sample   LocationSample
	Event    string // RecordEventFix or RecordEventMotionChange
	IsMoving bool
	Odometer float64
}

// GeofenceEventRecord is a membership transition plus engine context.
type GeofenceEventRecord struct {
	Event    GeofenceEvent
	IsMoving bool
	Odometer float64
}

// Drain trigger reasons the session passes to its Syncer. Manual drains
// bypass the cellular gate; the others do not.
const (
	DrainManual       = "manual"
	DrainSchedule     = "schedule"
	DrainConnectivity = "connectivity"
)

// Syncer is the drain trigger the session pulls when schedule or
// connectivity changes make an upload worthwhile. Implementations must not
// block.
type Syncer interface {
	Drain(reason string)
}

// NullProvider is a LocationProvider for deployments where fixes arrive
// through the HTTP API rather than a live source.
type NullProvider struct{}

func (NullProvider) Start(ProviderMode, float64) error { return nil }
func (NullProvider) Stop() error                       { return nil }

// NullClassifier is an ActivityClassifier with no platform backend; activity
// events arrive through the HTTP API.
type NullClassifier struct{}

func (NullClassifier) Start() error { return nil }
func (NullClassifier) Stop() error  { return nil }

// NullAccelerometer is an Accelerometer with no platform backend.
type NullAccelerometer struct{}

func (NullAccelerometer) Enable() error  { return nil }
func (NullAccelerometer) Disable() error { return nil }

// StaticMonitor is a GeofenceMonitor that accepts registrations without a
// platform backend. Membership stays fully in-process.
type StaticMonitor struct {
	// Cap is the advertised capacity.
	Cap int
}

func (m StaticMonitor) Register(GeofenceRegion) error { return nil }
func (m StaticMonitor) Unregister(string) error       { return nil }
func (m StaticMonitor) Capacity() int                 { return m.Cap }

// StaticConnectivity reports a fixed transport.
type StaticConnectivity struct {
	Transport Transport
}

func (c StaticConnectivity) Current() Transport { return c.Transport }

// StaticPermissions reports a fixed grant.
type StaticPermissions struct {
	Grant bool
}

func (p StaticPermissions) Granted() bool { return p.Grant }
