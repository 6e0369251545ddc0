// Package nmea implements a serial NMEA 0183 location provider. It reads
// RMC and GGA sentences from a GPS receiver and feeds fused fixes into the
// session intake, honoring the engine's minimum-distance hint the way a
// platform location service would.
package nmea

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/track"
	"github.com/Ikolvi/Tracelet-sub001/internal/units"
)

// Sentence types this package consumes, matched on the last three
// characters of the address field so any talker (GP, GN, GL) works.
const (
	typeRMC = "RMC"
	typeGGA = "GGA"
)

const (
	// LowPowerFloorMeters is the minimum distance gate applied in low
	// power mode, approximating the platform significant-change service.
	LowPowerFloorMeters = 500.0

	// uereMeters is the nominal user-equivalent range error multiplied by
	// HDOP to estimate horizontal accuracy.
	uereMeters = 5.0

	// defaultAccuracyMeters is reported until a GGA supplies a dilution
	// figure.
	defaultAccuracyMeters = 25.0
)

// RMC is the recommended-minimum sentence: UTC time, position, speed over
// ground and course.
type RMC struct {
	At         time.Time
	Lat        float64
	Lon        float64
	SpeedKnots float64 // negative when the field is empty
	Course     float64 // degrees, negative when the field is empty
	Valid      bool
}

// GGA carries altitude and the dilution-of-precision figure used to
// estimate horizontal accuracy.
type GGA struct {
	Lat        float64
	Lon        float64
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64
}

// ParseSentence validates the framing and checksum of one NMEA 0183
// sentence and returns its address field and data fields.
func ParseSentence(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return "", nil, fmt.Errorf("missing $ framing")
	}
	body := line[1:]
	star := strings.LastIndexByte(body, '*')
	if star < 0 || len(body)-star != 3 {
		return "", nil, fmt.Errorf("missing checksum")
	}
	payload, sum := body[:star], body[star+1:]
	want, err := strconv.ParseUint(sum, 16, 8)
	if err != nil {
		return "", nil, fmt.Errorf("bad checksum %q: %w", sum, err)
	}
	if got := Checksum(payload); got != byte(want) {
		return "", nil, fmt.Errorf("checksum mismatch: got %02X, want %02X", got, byte(want))
	}
	fields := strings.Split(payload, ",")
	return fields[0], fields[1:], nil
}

// Checksum XORs the payload bytes between the $ and the *.
func Checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum ^= payload[i]
	}
	return sum
}

// ParseRMC decodes the data fields of an RMC sentence. Void fixes (status
// V) return Valid false with nothing else decoded, since receivers leave
// the position fields empty while searching.
func ParseRMC(fields []string) (RMC, error) {
	if len(fields) < 9 {
		return RMC{}, fmt.Errorf("rmc: want at least 9 fields, got %d", len(fields))
	}
	if fields[1] != "A" {
		return RMC{}, nil
	}

	at, err := parseTimestamp(fields[8], fields[0])
	if err != nil {
		return RMC{}, fmt.Errorf("rmc: %w", err)
	}
	lat, err := parseCoordinate(fields[2], fields[3])
	if err != nil {
		return RMC{}, fmt.Errorf("rmc: %w", err)
	}
	lon, err := parseCoordinate(fields[4], fields[5])
	if err != nil {
		return RMC{}, fmt.Errorf("rmc: %w", err)
	}

	speed := -1.0
	if fields[6] != "" {
		speed, err = strconv.ParseFloat(fields[6], 64)
		if err != nil {
			return RMC{}, fmt.Errorf("rmc: bad speed %q: %w", fields[6], err)
		}
	}
	course := -1.0
	if fields[7] != "" {
		course, err = strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return RMC{}, fmt.Errorf("rmc: bad course %q: %w", fields[7], err)
		}
	}

	return RMC{At: at, Lat: lat, Lon: lon, SpeedKnots: speed, Course: course, Valid: true}, nil
}

// ParseGGA decodes the data fields of a GGA sentence. Quality 0 means the
// receiver has no fix and yields the zero value.
func ParseGGA(fields []string) (GGA, error) {
	if len(fields) < 9 {
		return GGA{}, fmt.Errorf("gga: want at least 9 fields, got %d", len(fields))
	}
	quality, err := strconv.Atoi(fields[5])
	if err != nil {
		return GGA{}, fmt.Errorf("gga: bad quality %q: %w", fields[5], err)
	}
	if quality == 0 {
		return GGA{}, nil
	}

	lat, err := parseCoordinate(fields[1], fields[2])
	if err != nil {
		return GGA{}, fmt.Errorf("gga: %w", err)
	}
	lon, err := parseCoordinate(fields[3], fields[4])
	if err != nil {
		return GGA{}, fmt.Errorf("gga: %w", err)
	}
	sats, err := strconv.Atoi(fields[6])
	if err != nil {
		return GGA{}, fmt.Errorf("gga: bad satellite count %q: %w", fields[6], err)
	}

	var hdop float64
	if fields[7] != "" {
		hdop, err = strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return GGA{}, fmt.Errorf("gga: bad hdop %q: %w", fields[7], err)
		}
	}
	var alt float64
	if fields[8] != "" {
		alt, err = strconv.ParseFloat(fields[8], 64)
		if err != nil {
			return GGA{}, fmt.Errorf("gga: bad altitude %q: %w", fields[8], err)
		}
	}

	return GGA{Lat: lat, Lon: lon, Quality: quality, Satellites: sats, HDOP: hdop, Altitude: alt}, nil
}

// Fuse combines a valid RMC fix with the most recent GGA context into a
// location sample. The caller tags the provider. Speed converts from
// knots; accuracy is estimated from HDOP when one has been seen.
func Fuse(r RMC, g GGA, haveGGA bool) track.LocationSample {
	sample := track.LocationSample{
		Lat:       r.Lat,
		Lon:       r.Lon,
		Accuracy:  defaultAccuracyMeters,
		Speed:     -1,
		Heading:   r.Course,
		Timestamp: r.At,
	}
	if r.SpeedKnots >= 0 {
		sample.Speed = units.SpeedFromKnots(r.SpeedKnots)
	}
	if haveGGA {
		sample.Altitude = g.Altitude
		if g.HDOP > 0 {
			sample.Accuracy = g.HDOP * uereMeters
		}
	}
	return sample
}

// parseCoordinate converts NMEA ddmm.mmmm notation and a hemisphere letter
// into signed decimal degrees.
func parseCoordinate(value, hemi string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("bad coordinate %q: %w", value, err)
	}
	deg := math.Floor(v / 100)
	min := v - deg*100
	if min >= 60 {
		return 0, fmt.Errorf("bad coordinate %q: minutes out of range", value)
	}
	dd := deg + min/60
	switch hemi {
	case "N", "E":
		return dd, nil
	case "S", "W":
		return -dd, nil
	}
	return 0, fmt.Errorf("unknown hemisphere %q", hemi)
}

// parseTimestamp combines the RMC ddmmyy date and hhmmss.sss clock fields
// into a UTC time.
func parseTimestamp(date, clock string) (time.Time, error) {
	d, err := time.Parse("020106", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q: %w", date, err)
	}
	if len(clock) < 6 {
		return time.Time{}, fmt.Errorf("bad time %q", clock)
	}
	c, err := time.Parse("150405", clock[:6])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q: %w", clock, err)
	}
	var nsec int
	if len(clock) > 6 {
		frac, err := strconv.ParseFloat("0"+clock[6:], 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad time %q: %w", clock, err)
		}
		nsec = int(frac * float64(time.Second))
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), nsec, time.UTC), nil
}
