// Package track implements the tracking engine core: the location filter,
// the motion state machine, the geofence window manager, and the session
// orchestrator that composes them. All engine state is owned by a single
// session run loop; external sources push events into the session intake and
// consumers observe results on the event bus.
package track

import "time"

// LocationSample is one reported fix. Immutable once accepted by the filter.
type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"` // meters, smaller is better
	Speed     float64   `json:"speed"`    // m/s, negative when unknown
	Heading   float64   `json:"heading"`  // degrees, negative when unknown
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"` // source tag: gps, network, replay
}

// MotionState is the engine's moving/stationary classification. Exactly one
// instance exists per session, owned by the MotionMachine.
type MotionState int

const (
	// Moving: provider in continuous high-accuracy mode.
	Moving MotionState = iota
	// Stationary: provider in low-power mode, accelerometer sampling.
	Stationary
	// PendingStop: moving, stop timer armed awaiting confirmation.
	PendingStop
)

func (s MotionState) String() string {
	switch s {
	case Moving:
		return "moving"
	case Stationary:
		return "stationary"
	case PendingStop:
		return "pending_stop"
	default:
		return "unknown"
	}
}

// IsMoving reports whether the state counts as moving for declarations and
// odometer accrual. PendingStop has not yet been declared stationary.
func (s MotionState) IsMoving() bool {
	return s == Moving || s == PendingStop
}

// ActivityType is a coarse activity classification from the platform
// classifier.
type ActivityType string

const (
	ActivityStill     ActivityType = "still"
	ActivityWalking   ActivityType = "walking"
	ActivityRunning   ActivityType = "running"
	ActivityOnBicycle ActivityType = "on_bicycle"
	ActivityInVehicle ActivityType = "in_vehicle"
	ActivityUnknown   ActivityType = "unknown"
)

// IsMovingActivity reports whether the type implies locomotion.
func (t ActivityType) IsMovingActivity() bool {
	switch t {
	case ActivityWalking, ActivityRunning, ActivityOnBicycle, ActivityInVehicle:
		return true
	default:
		return false
	}
}

// ActivityEvent is one classifier transition: the device entered or exited
// an activity type.
type ActivityEvent struct {
	Type       ActivityType `json:"type"`
	Entering   bool         `json:"entering"`
	Confidence int          `json:"confidence"` // 0..100
	At         time.Time    `json:"at"`
}

// AccelSample is one low-power accelerometer reading in m/s^2 per axis.
// Consumed only while Stationary.
type AccelSample struct {
	X, Y, Z float64
	At      time.Time
}

// GeofenceRegion is a registered circular region. The full registered set is
// unbounded; only the nearest subset is handed to the platform monitor.
type GeofenceRegion struct {
	ID       string            `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Radius   float64           `json:"radius"` // meters
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Membership is the per-region containment state.
type Membership int

const (
	Outside Membership = iota
	Inside
	Dwelling
)

func (m Membership) String() string {
	switch m {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	case Dwelling:
		return "dwelling"
	default:
		return "unknown"
	}
}

// GeofenceAction is a membership edge crossing.
type GeofenceAction string

const (
	GeofenceEnter GeofenceAction = "enter"
	GeofenceDwell GeofenceAction = "dwell"
	GeofenceExit  GeofenceAction = "exit"
)

// GeofenceEvent is one emitted membership transition.
type GeofenceEvent struct {
	RegionID string         `json:"region_id"`
	Action   GeofenceAction `json:"action"`
	Location LocationSample `json:"location"`
	At       time.Time      `json:"at"`
}

// ProviderMode selects the location provider power profile.
type ProviderMode int

const (
	// ModeHighPower: continuous high-accuracy fixes.
	ModeHighPower ProviderMode = iota
	// ModeLowPower: significant-change / low-power fixes.
	ModeLowPower
)

func (m ProviderMode) String() string {
	if m == ModeHighPower {
		return "high_power"
	}
	return "low_power"
}

// Transport is the current connectivity class.
type Transport int

const (
	TransportNone Transport = iota
	TransportWifi
	TransportCellular
)

func (t Transport) String() string {
	switch t {
	case TransportWifi:
		return "wifi"
	case TransportCellular:
		return "cellular"
	default:
		return "none"
	}
}

// Intent is a port command requested by the motion machine. The machine
// never touches ports itself; the session applies intents, which keeps the
// provider/motion coupling one-directional.
type Intent int

const (
	IntentProviderHighPower Intent = iota
	IntentProviderLowPower
	IntentAccelStart
	IntentAccelStop
)

func (i Intent) String() string {
	switch i {
	case IntentProviderHighPower:
		return "provider_high_power"
	case IntentProviderLowPower:
		return "provider_low_power"
	case IntentAccelStart:
		return "accel_start"
	case IntentAccelStop:
		return "accel_stop"
	default:
		return "unknown"
	}
}

// SessionState is the orchestrator lifecycle state.
type SessionState int

const (
	// SessionIdle: no validated config or stopped.
	SessionIdle SessionState = iota
	// SessionReady: config accepted and validated.
	SessionReady
	// SessionTracking: sources live, engine processing.
	SessionTracking
)

func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "ready"
	case SessionTracking:
		return "tracking"
	default:
		return "idle"
	}
}

// PersistedState is the scalar session blob restored across restarts.
type PersistedState struct {
	Enabled   bool      `json:"enabled"`
	Moving    bool      `json:"moving"`
	Odometer  float64   `json:"odometer"` // meters
	LastFixAt time.Time `json:"last_fix_at"`
}
