package track

import "time"

// EventKind discriminates Event payloads.
type EventKind string

const (
	EventLocation         EventKind = "location"
	EventMotionChange     EventKind = "motionchange"
	EventActivityChange   EventKind = "activitychange"
	EventGeofence         EventKind = "geofence"
	EventGeofencesChange  EventKind = "geofenceschange"
	EventHTTP             EventKind = "http"
	EventEnabledChange    EventKind = "enabledchange"
	EventConnectivity     EventKind = "connectivitychange"
	EventError            EventKind = "error"
	EventScheduleActivate EventKind = "schedule"
)

// HTTPResult is the outcome of one sync batch attempt.
type HTTPResult struct {
	BatchID  string `json:"batch_id"`
	Status   int    `json:"status"` // 0 on transport failure
	Success  bool   `json:"success"`
	Records  int    `json:"records"`
	Attempts int    `json:"attempts"`
	Detail   string `json:"detail,omitempty"`
}

// Event is one engine notification. Kind selects which payload fields are
// populated; the rest are nil.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	Location *LocationSample `json:"location,omitempty"`
	RecordID int64           `json:"record_id,omitempty"`

	// EventMotionChange
	IsMoving *bool `json:"is_moving,omitempty"`

	// EventActivityChange
	Activity *ActivityEvent `json:"activity,omitempty"`

	// EventGeofence
	Geofence *GeofenceEvent `json:"geofence,omitempty"`

	// EventGeofencesChange: ids handed to the platform monitor.
	MonitoredIDs []string `json:"monitored_ids,omitempty"`

	// EventHTTP
	HTTP *HTTPResult `json:"http,omitempty"`

	// EventEnabledChange and EventScheduleActivate
	Enabled *bool `json:"enabled,omitempty"`

	// EventConnectivity
	Transport *Transport `json:"transport,omitempty"`

	// EventError
	Err *Error `json:"-"`

	// ErrKind/ErrDetail mirror Err for JSON consumers.
	ErrKind   string `json:"err_kind,omitempty"`
	ErrDetail string `json:"err_detail,omitempty"`
}

// ErrorEvent wraps err as an EventError with its kind and detail mirrored
// for JSON consumers.
func ErrorEvent(at time.Time, err *Error) Event {
	return Event{
		Kind:      EventError,
		At:        at,
		Err:       err,
		ErrKind:   err.Kind.String(),
		ErrDetail: err.Error(),
	}
}
