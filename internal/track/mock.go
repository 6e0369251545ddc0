package track

import (
	"sync"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
)

// ProviderStart records one MockProvider.Start call.
type ProviderStart struct {
	Mode        ProviderMode
	MinDistance float64
}

// MockProvider implements LocationProvider for testing. It records every
// Start and Stop call.
type MockProvider struct {
	mu      sync.Mutex
	starts  []ProviderStart
	stops   int
	running bool

	// Err, when set, is returned by Start and Stop.
	Err error
}

func (m *MockProvider) Start(mode ProviderMode, minDistance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.starts = append(m.starts, ProviderStart{Mode: mode, MinDistance: minDistance})
	m.running = true
	return nil
}

func (m *MockProvider) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.stops++
	m.running = false
	return nil
}

// Starts returns a copy of the recorded Start calls.
func (m *MockProvider) Starts() []ProviderStart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProviderStart(nil), m.starts...)
}

// LastStart returns the most recent Start call, if any.
func (m *MockProvider) LastStart() (ProviderStart, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.starts) == 0 {
		return ProviderStart{}, false
	}
	return m.starts[len(m.starts)-1], true
}

func (m *MockProvider) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *MockProvider) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// MockClassifier implements ActivityClassifier for testing.
type MockClassifier struct {
	mu     sync.Mutex
	starts int
	stops  int

	Err error
}

func (m *MockClassifier) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.starts++
	return nil
}

func (m *MockClassifier) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.stops++
	return nil
}

func (m *MockClassifier) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *MockClassifier) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// MockAccelerometer implements Accelerometer for testing.
type MockAccelerometer struct {
	mu       sync.Mutex
	enables  int
	disables int
	enabled  bool

	Err error
}

func (m *MockAccelerometer) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.enables++
	m.enabled = true
	return nil
}

func (m *MockAccelerometer) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.disables++
	m.enabled = false
	return nil
}

func (m *MockAccelerometer) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *MockAccelerometer) EnableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enables
}

func (m *MockAccelerometer) DisableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disables
}

// MockGeofenceMonitor implements GeofenceMonitor for testing. It records the
// registration history and tracks the currently registered set.
type MockGeofenceMonitor struct {
	mu          sync.Mutex
	capacity    int
	registered  map[string]GeofenceRegion
	registers   []string
	unregisters []string

	Err error
}

// NewMockGeofenceMonitor returns a monitor with the given capacity.
func NewMockGeofenceMonitor(capacity int) *MockGeofenceMonitor {
	return &MockGeofenceMonitor{
		capacity:   capacity,
		registered: make(map[string]GeofenceRegion),
	}
}

func (m *MockGeofenceMonitor) Register(region GeofenceRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.registered[region.ID] = region
	m.registers = append(m.registers, region.ID)
	return nil
}

func (m *MockGeofenceMonitor) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.registered, id)
	m.unregisters = append(m.unregisters, id)
	return nil
}

func (m *MockGeofenceMonitor) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

// Registered returns the IDs currently held by the monitor.
func (m *MockGeofenceMonitor) Registered() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.registered))
	for id := range m.registered {
		out[id] = true
	}
	return out
}

// RegisterHistory returns every Register call in order.
func (m *MockGeofenceMonitor) RegisterHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registers...)
}

// UnregisterHistory returns every Unregister call in order.
func (m *MockGeofenceMonitor) UnregisterHistory() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unregisters...)
}

// MockConnectivity implements ConnectivitySource with a settable transport.
type MockConnectivity struct {
	mu        sync.Mutex
	transport Transport
}

func (m *MockConnectivity) Set(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

func (m *MockConnectivity) Current() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// MockRecorder implements Recorder in memory for testing.
type MockRecorder struct {
	mu             sync.Mutex
	locations      []LocationRecord
	geofenceEvents []GeofenceEventRecord
	state          *PersistedState
	regions        []GeofenceRegion
	retention      config.RetentionConfig
	nextID         int64

	// SaveErr, when set, is returned by every save method.
	SaveErr error
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{}
}

// SetSaveErr installs or clears the forced save error while the session is
// running.
func (m *MockRecorder) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

func (m *MockRecorder) Configure(rc config.RetentionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = rc
}

func (m *MockRecorder) SaveLocation(rec LocationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return 0, m.SaveErr
	}
	m.nextID++
	m.locations = append(m.locations, rec)
	return m.nextID, nil
}

func (m *MockRecorder) SaveGeofenceEvent(rec GeofenceEventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return 0, m.SaveErr
	}
	m.nextID++
	m.geofenceEvents = append(m.geofenceEvents, rec)
	return m.nextID, nil
}

func (m *MockRecorder) SaveState(st PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := st
	m.state = &cp
	return nil
}

func (m *MockRecorder) LoadState() (*PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MockRecorder) SaveRegion(r GeofenceRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for i, existing := range m.regions {
		if existing.ID == r.ID {
			m.regions[i] = r
			return nil
		}
	}
	m.regions = append(m.regions, r)
	return nil
}

func (m *MockRecorder) DeleteRegion(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.ID == id {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MockRecorder) ListRegions() ([]GeofenceRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GeofenceRegion(nil), m.regions...), nil
}

// Locations returns the recorded location records.
func (m *MockRecorder) Locations() []LocationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LocationRecord(nil), m.locations...)
}

// GeofenceEvents returns the recorded geofence event records.
func (m *MockRecorder) GeofenceEvents() []GeofenceEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GeofenceEventRecord(nil), m.geofenceEvents...)
}

// State returns the last persisted session state.
func (m *MockRecorder) State() *PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	cp := *m.state
	return &cp
}

// Retention returns the last applied retention settings.
func (m *MockRecorder) Retention() config.RetentionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retention
}

// MockSyncer implements Syncer, recording drain reasons.
type MockSyncer struct {
	mu      sync.Mutex
	reasons []string
}

func (m *MockSyncer) Drain(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *MockSyncer) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reasons...)
}

// MockPermissions implements Permissions with a settable grant.
type MockPermissions struct {
	mu      sync.Mutex
	granted bool
}

func NewMockPermissions(granted bool) *MockPermissions {
	return &MockPermissions{granted: granted}
}

func (m *MockPermissions) SetGranted(granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = granted
}

func (m *MockPermissions) Granted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}
