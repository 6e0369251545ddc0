// Package units provides shared constants and conversions for speed units
// and timezone handling.
package units

// Unit constants
const (
	MPS   = "mps"
	MPH   = "mph"
	KMPH  = "kmph"
	KPH   = "kph"
	KNOTS = "knots"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH, KNOTS}

// MetersPerSecondPerKnot converts nautical speeds; GPS sentences report
// ground speed in knots.
const MetersPerSecondPerKnot = 0.514444

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph, knots"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// The store keeps all speeds in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedMPS
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	case KNOTS:
		return speedMPS / MetersPerSecondPerKnot
	default:
		return speedMPS
	}
}

// SpeedFromKnots converts a ground speed in knots to meters per second.
func SpeedFromKnots(knots float64) float64 {
	return knots * MetersPerSecondPerKnot
}
