// Package config defines the tracking configuration consumed by the engine
// and the daemon bootstrap configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Ikolvi/Tracelet-sub001/internal/units"
)

// Policy selects how the filter treats a fix that fails a check.
type Policy string

const (
	// PolicyDiscard drops the fix and emits an error event.
	PolicyDiscard Policy = "discard"
	// PolicyIgnore drops the fix silently.
	PolicyIgnore Policy = "ignore"
	// PolicyAdjust substitutes the last accepted geometry, keeping the new
	// timestamp.
	PolicyAdjust Policy = "adjust"
)

// PersistMode selects which record types the store persists.
type PersistMode string

const (
	PersistAll       PersistMode = "all"
	PersistNone      PersistMode = "none"
	PersistLocations PersistMode = "locations"
	PersistGeofences PersistMode = "geofences"
)

// TrackingConfig is an immutable snapshot of the engine configuration.
// Fields are pointers so a partial JSON document leaves unset values on
// their defaults (the Get* accessors). Replacing a config is all-or-nothing
// via Session.Reconfigure; nothing mutates a snapshot in place.
type TrackingConfig struct {
	Filter     FilterConfig     `json:"filter,omitempty"`
	Elasticity ElasticityConfig `json:"elasticity,omitempty"`
	Motion     MotionConfig     `json:"motion,omitempty"`
	Geofence   GeofenceConfig   `json:"geofence,omitempty"`
	Retention  RetentionConfig  `json:"retention,omitempty"`
	Sync       SyncConfig       `json:"sync,omitempty"`
	Schedule   ScheduleConfig   `json:"schedule,omitempty"`
}

// FilterConfig tunes the per-fix validation pipeline.
type FilterConfig struct {
	// DistanceFilter is the base minimum movement in meters between
	// reported fixes.
	DistanceFilter *float64 `json:"distance_filter,omitempty" validate:"omitempty,gte=0"`

	// TrackingAccuracyThreshold rejects fixes whose reported accuracy in
	// meters exceeds it, per AccuracyPolicy.
	TrackingAccuracyThreshold *float64 `json:"tracking_accuracy_threshold,omitempty" validate:"omitempty,gt=0"`

	AccuracyPolicy *string `json:"accuracy_policy,omitempty" validate:"omitempty,oneof=discard ignore adjust"`

	// MaxImpliedSpeed rejects fixes implying a speed in m/s above it when
	// compared against the last accepted fix. Zero disables the check.
	MaxImpliedSpeed *float64 `json:"max_implied_speed,omitempty" validate:"omitempty,gte=0"`

	ImpliedSpeedPolicy *string `json:"implied_speed_policy,omitempty" validate:"omitempty,oneof=discard ignore adjust"`

	// OdometerAccuracyThreshold excludes fixes from odometer accumulation
	// without rejecting them. Zero disables the check.
	OdometerAccuracyThreshold *float64 `json:"odometer_accuracy_threshold,omitempty" validate:"omitempty,gte=0"`
}

// ElasticityConfig tunes speed-based scaling of the distance filter.
type ElasticityConfig struct {
	DisableElasticity *bool `json:"disable_elasticity,omitempty"`

	// ElasticityMultiplier scales the speed term of the effective distance
	// computation.
	ElasticityMultiplier *float64 `json:"elasticity_multiplier,omitempty" validate:"omitempty,gte=0"`
}

// MotionConfig tunes the motion state machine.
type MotionConfig struct {
	// StopTimeout is how long a PENDING_STOP must hold before the machine
	// declares STATIONARY. Duration string like "5m".
	StopTimeout *string `json:"stop_timeout,omitempty" validate:"omitempty,duration"`

	// MotionTriggerDelay defers the MOVING declaration to damp spurious
	// classifier signals. "0s" declares immediately.
	MotionTriggerDelay *string `json:"motion_trigger_delay,omitempty" validate:"omitempty,duration"`

	// ShakeThreshold is the accelerometer magnitude above gravity, in
	// m/s^2, that wakes a STATIONARY session.
	ShakeThreshold *float64 `json:"shake_threshold,omitempty" validate:"omitempty,gt=0"`
}

// GeofenceConfig tunes geofence monitoring.
type GeofenceConfig struct {
	// DwellDelay is how long a region must be continuously inside before
	// DWELL fires. "0s" disables dwell events.
	DwellDelay *string `json:"dwell_delay,omitempty" validate:"omitempty,duration"`

	// HighAccuracy requests continuous fixes for geofence evaluation and
	// makes in-process transitions authoritative.
	HighAccuracy *bool `json:"high_accuracy,omitempty"`
}

// RetentionConfig bounds the record store.
type RetentionConfig struct {
	PersistMode *string `json:"persist_mode,omitempty" validate:"omitempty,oneof=all none locations geofences"`

	// MaxDaysToPersist deletes records older than this many days. Zero
	// means unlimited.
	MaxDaysToPersist *int `json:"max_days_to_persist,omitempty" validate:"omitempty,gte=0"`

	// MaxRecordsToPersist caps the record count, deleting oldest first.
	// Zero means unlimited.
	MaxRecordsToPersist *int `json:"max_records_to_persist,omitempty" validate:"omitempty,gte=0"`

	// Extras are merged into every persisted record.
	Extras map[string]string `json:"extras,omitempty"`
}

// SyncConfig tunes the upload pipeline. An empty URL disables sync.
type SyncConfig struct {
	URL     *string           `json:"url,omitempty" validate:"omitempty,url"`
	Method  *string           `json:"method,omitempty" validate:"omitempty,oneof=POST PUT"`
	Headers map[string]string `json:"headers,omitempty"`

	// BatchSize caps records per upload.
	BatchSize *int `json:"batch_size,omitempty" validate:"omitempty,gte=1"`

	// AutoSyncInterval schedules periodic drains. "0s" disables them.
	AutoSyncInterval *string `json:"auto_sync_interval,omitempty" validate:"omitempty,duration"`

	DisableAutoSyncOnCellular *bool `json:"disable_auto_sync_on_cellular,omitempty"`

	// HTTPTimeout bounds each upload attempt.
	HTTPTimeout *string `json:"http_timeout,omitempty" validate:"omitempty,duration"`

	// MaxRetries caps retry attempts for a retryable batch failure before
	// the batch is parked.
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0"`

	BackoffInitial *string `json:"backoff_initial,omitempty" validate:"omitempty,duration"`
	BackoffCeiling *string `json:"backoff_ceiling,omitempty" validate:"omitempty,duration"`

	// LocationTemplate and GeofenceTemplate render outbound record bodies
	// with {token} interpolation at read time. Empty uses the canonical
	// JSON shape.
	LocationTemplate *string `json:"location_template,omitempty"`
	GeofenceTemplate *string `json:"geofence_template,omitempty"`

	// DeviceID tags outbound batches.
	DeviceID *string `json:"device_id,omitempty"`
}

// ScheduleConfig bounds tracking to time windows.
type ScheduleConfig struct {
	// Windows are "D-D HH:MM-HH:MM" strings, ISO weekdays 1 (Monday)
	// through 7 (Sunday), e.g. "1-5 09:00-17:00".
	Windows []string `json:"windows,omitempty"`

	// Timezone is the IANA zone schedule windows are evaluated in. Empty
	// means the device's local zone.
	Timezone *string `json:"timezone,omitempty"`

	// StopAfterElapsedMinutes auto-stops the session this many minutes
	// after start. Zero disables auto-stop.
	StopAfterElapsedMinutes *int `json:"stop_after_elapsed_minutes,omitempty" validate:"omitempty,gte=0"`
}

// Pointer helpers for building configs in code and tests.
func Float64(v float64) *float64 { return &v }
func Int(v int) *int             { return &v }
func Int64(v int64) *int64       { return &v }
func Bool(v bool) *bool          { return &v }
func String(v string) *string    { return &v }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// "duration" accepts time.ParseDuration strings.
	if err := v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.ParseDuration(s)
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Default returns a TrackingConfig with every field populated with its
// default value. Useful as a starting point for tests and example files.
func Default() *TrackingConfig {
	return &TrackingConfig{
		Filter: FilterConfig{
			DistanceFilter:            Float64(10),
			TrackingAccuracyThreshold: Float64(100),
			AccuracyPolicy:            String(string(PolicyDiscard)),
			MaxImpliedSpeed:           Float64(0),
			ImpliedSpeedPolicy:        String(string(PolicyDiscard)),
			OdometerAccuracyThreshold: Float64(0),
		},
		Elasticity: ElasticityConfig{
			DisableElasticity:    Bool(false),
			ElasticityMultiplier: Float64(1),
		},
		Motion: MotionConfig{
			StopTimeout:        String("5m"),
			MotionTriggerDelay: String("0s"),
			ShakeThreshold:     Float64(1.2),
		},
		Geofence: GeofenceConfig{
			DwellDelay:   String("0s"),
			HighAccuracy: Bool(false),
		},
		Retention: RetentionConfig{
			PersistMode:         String(string(PersistAll)),
			MaxDaysToPersist:    Int(0),
			MaxRecordsToPersist: Int(0),
		},
		Sync: SyncConfig{
			Method:                    String("POST"),
			BatchSize:                 Int(50),
			AutoSyncInterval:          String("15m"),
			DisableAutoSyncOnCellular: Bool(false),
			HTTPTimeout:               String("30s"),
			MaxRetries:                Int(5),
			BackoffInitial:            String("1s"),
			BackoffCeiling:            String("5m"),
		},
		Schedule: ScheduleConfig{},
	}
}

// ParseTrackingConfig decodes and validates a JSON tracking config document.
// Used by the reconfigure API; partial documents are valid, unset fields
// fall back to defaults.
func ParseTrackingConfig(data []byte) (*TrackingConfig, error) {
	cfg := &TrackingConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseTrackingConfig(data)
}

// Validate checks that the configuration values are valid. Structural rules
// live in validator tags; schedule windows and timezones need real parsing.
func (c *TrackingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, w := range c.Schedule.Windows {
		if _, err := ParseWindow(w); err != nil {
			return fmt.Errorf("invalid schedule window %q: %w", w, err)
		}
	}

	if tz := c.Schedule.GetTimezone(); tz != "" && !units.IsTimezoneValid(tz) {
		return fmt.Errorf("invalid schedule timezone %q", tz)
	}

	return nil
}

func parseDurationOr(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

// GetDistanceFilter returns the distance_filter value or the default.
func (c FilterConfig) GetDistanceFilter() float64 {
	if c.DistanceFilter == nil {
		return 10 // meters
	}
	return *c.DistanceFilter
}

// GetTrackingAccuracyThreshold returns the tracking_accuracy_threshold value or the default.
func (c FilterConfig) GetTrackingAccuracyThreshold() float64 {
	if c.TrackingAccuracyThreshold == nil {
		return 100 // meters
	}
	return *c.TrackingAccuracyThreshold
}

// GetAccuracyPolicy returns the accuracy_policy value or the default.
func (c FilterConfig) GetAccuracyPolicy() Policy {
	if c.AccuracyPolicy == nil {
		return PolicyDiscard
	}
	return Policy(*c.AccuracyPolicy)
}

// GetMaxImpliedSpeed returns the max_implied_speed value or the default.
// Zero disables the implied-speed check.
func (c FilterConfig) GetMaxImpliedSpeed() float64 {
	if c.MaxImpliedSpeed == nil {
		return 0
	}
	return *c.MaxImpliedSpeed
}

// GetImpliedSpeedPolicy returns the implied_speed_policy value or the default.
func (c FilterConfig) GetImpliedSpeedPolicy() Policy {
	if c.ImpliedSpeedPolicy == nil {
		return PolicyDiscard
	}
	return Policy(*c.ImpliedSpeedPolicy)
}

// GetOdometerAccuracyThreshold returns the odometer_accuracy_threshold value
// or the default. Zero disables the check.
func (c FilterConfig) GetOdometerAccuracyThreshold() float64 {
	if c.OdometerAccuracyThreshold == nil {
		return 0
	}
	return *c.OdometerAccuracyThreshold
}

// GetDisableElasticity returns the disable_elasticity value or the default.
func (c ElasticityConfig) GetDisableElasticity() bool {
	if c.DisableElasticity == nil {
		return false
	}
	return *c.DisableElasticity
}

// GetElasticityMultiplier returns the elasticity_multiplier value or the default.
func (c ElasticityConfig) GetElasticityMultiplier() float64 {
	if c.ElasticityMultiplier == nil {
		return 1
	}
	return *c.ElasticityMultiplier
}

// GetStopTimeout returns the stop_timeout as a time.Duration.
func (c MotionConfig) GetStopTimeout() time.Duration {
	return parseDurationOr(c.StopTimeout, 5*time.Minute)
}

// GetMotionTriggerDelay returns the motion_trigger_delay as a time.Duration.
func (c MotionConfig) GetMotionTriggerDelay() time.Duration {
	return parseDurationOr(c.MotionTriggerDelay, 0)
}

// GetShakeThreshold returns the shake_threshold value or the default.
func (c MotionConfig) GetShakeThreshold() float64 {
	if c.ShakeThreshold == nil {
		return 1.2 // m/s^2 above gravity
	}
	return *c.ShakeThreshold
}

// GetDwellDelay returns the dwell_delay as a time.Duration. Zero disables
// dwell events.
func (c GeofenceConfig) GetDwellDelay() time.Duration {
	return parseDurationOr(c.DwellDelay, 0)
}

// GetHighAccuracy returns the high_accuracy value or the default.
func (c GeofenceConfig) GetHighAccuracy() bool {
	if c.HighAccuracy == nil {
		return false
	}
	return *c.HighAccuracy
}

// GetPersistMode returns the persist_mode value or the default.
func (c RetentionConfig) GetPersistMode() PersistMode {
	if c.PersistMode == nil {
		return PersistAll
	}
	return PersistMode(*c.PersistMode)
}

// GetMaxDaysToPersist returns the max_days_to_persist value or the default.
// Zero means unlimited.
func (c RetentionConfig) GetMaxDaysToPersist() int {
	if c.MaxDaysToPersist == nil {
		return 0
	}
	return *c.MaxDaysToPersist
}

// GetMaxRecordsToPersist returns the max_records_to_persist value or the
// default. Zero means unlimited.
func (c RetentionConfig) GetMaxRecordsToPersist() int {
	if c.MaxRecordsToPersist == nil {
		return 0
	}
	return *c.MaxRecordsToPersist
}

// GetURL returns the sync url or empty when sync is disabled.
func (c SyncConfig) GetURL() string {
	if c.URL == nil {
		return ""
	}
	return *c.URL
}

// GetMethod returns the sync method value or the default.
func (c SyncConfig) GetMethod() string {
	if c.Method == nil {
		return "POST"
	}
	return *c.Method
}

// GetBatchSize returns the batch_size value or the default.
func (c SyncConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 50
	}
	return *c.BatchSize
}

// GetAutoSyncInterval returns the auto_sync_interval as a time.Duration.
// Zero disables scheduled drains.
func (c SyncConfig) GetAutoSyncInterval() time.Duration {
	return parseDurationOr(c.AutoSyncInterval, 15*time.Minute)
}

// GetDisableAutoSyncOnCellular returns the disable_auto_sync_on_cellular
// value or the default.
func (c SyncConfig) GetDisableAutoSyncOnCellular() bool {
	if c.DisableAutoSyncOnCellular == nil {
		return false
	}
	return *c.DisableAutoSyncOnCellular
}

// GetHTTPTimeout returns the http_timeout as a time.Duration.
func (c SyncConfig) GetHTTPTimeout() time.Duration {
	return parseDurationOr(c.HTTPTimeout, 30*time.Second)
}

// GetMaxRetries returns the max_retries value or the default.
func (c SyncConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return 5
	}
	return *c.MaxRetries
}

// GetBackoffInitial returns the backoff_initial as a time.Duration.
func (c SyncConfig) GetBackoffInitial() time.Duration {
	return parseDurationOr(c.BackoffInitial, time.Second)
}

// GetBackoffCeiling returns the backoff_ceiling as a time.Duration.
func (c SyncConfig) GetBackoffCeiling() time.Duration {
	return parseDurationOr(c.BackoffCeiling, 5*time.Minute)
}

// GetLocationTemplate returns the location_template value or empty for the
// canonical JSON shape.
func (c SyncConfig) GetLocationTemplate() string {
	if c.LocationTemplate == nil {
		return ""
	}
	return *c.LocationTemplate
}

// GetGeofenceTemplate returns the geofence_template value or empty for the
// canonical JSON shape.
func (c SyncConfig) GetGeofenceTemplate() string {
	if c.GeofenceTemplate == nil {
		return ""
	}
	return *c.GeofenceTemplate
}

// GetDeviceID returns the device_id value or empty.
func (c SyncConfig) GetDeviceID() string {
	if c.DeviceID == nil {
		return ""
	}
	return *c.DeviceID
}

// GetTimezone returns the schedule timezone or empty for the device's local
// zone.
func (c ScheduleConfig) GetTimezone() string {
	if c.Timezone == nil {
		return ""
	}
	return *c.Timezone
}

// GetStopAfterElapsedMinutes returns the stop_after_elapsed_minutes value or
// the default. Zero disables auto-stop.
func (c ScheduleConfig) GetStopAfterElapsedMinutes() int {
	if c.StopAfterElapsedMinutes == nil {
		return 0
	}
	return *c.StopAfterElapsedMinutes
}
