package nmea

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// defaultBaud matches the rate most GPS modules ship with.
const defaultBaud = 9600

// Sink receives the fixes and source failures a provider produces. The
// track.Session satisfies it.
type Sink interface {
	OnLocation(sample track.LocationSample)
	OnSourceError(source string, err error)
}

// PortOpener opens the serial device. Tests substitute an in-memory reader.
type PortOpener func(port string, baud int) (io.ReadCloser, error)

// Options configure a serial NMEA provider.
type Options struct {
	// Port is the serial device path, /dev/ttyUSB0 style.
	Port string
	// Baud defaults to 9600.
	Baud int
	// Sink receives parsed fixes. Required.
	Sink Sink
	// Opener defaults to opening a real serial port.
	Opener PortOpener
}

// Provider reads RMC and GGA sentences from a serial GPS receiver and
// implements track.LocationProvider. RMC drives emission; the latest GGA
// contributes altitude and the accuracy estimate. Because a receiver
// reports on a fixed cadence regardless of movement, the provider enforces
// the engine's minimum distance itself by dropping fixes closer than the
// gate to the last one it delivered.
type Provider struct {
	opts Options

	mu      sync.Mutex
	port    io.ReadCloser
	done    chan struct{}
	closing bool
	mode    track.ProviderMode
	minDist float64
	lastLat float64
	lastLon float64
	hasLast bool
}

// New returns an unstarted provider. The device is not touched until Start.
func New(opts Options) (*Provider, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("nmea: sink is required")
	}
	if opts.Port == "" && opts.Opener == nil {
		return nil, fmt.Errorf("nmea: port is required")
	}
	if opts.Baud <= 0 {
		opts.Baud = defaultBaud
	}
	if opts.Opener == nil {
		opts.Opener = openSerial
	}
	return &Provider{opts: opts}, nil
}

// openSerial opens the device through go.bug.st/serial in 8N1 framing.
func openSerial(port string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(port, mode)
}

// Start opens the port and begins delivery. On a running provider it
// applies the new mode and minimum distance in place.
func (p *Provider) Start(mode track.ProviderMode, minDistance float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = mode
	p.minDist = minDistance
	if p.port != nil {
		return nil
	}

	port, err := p.opts.Opener(p.opts.Port, p.opts.Baud)
	if err != nil {
		return fmt.Errorf("nmea: open %s: %w", p.opts.Port, err)
	}
	p.port = port
	p.closing = false
	p.hasLast = false
	p.done = make(chan struct{})
	go p.monitor(port, p.done)
	return nil
}

// Stop closes the port, which unblocks the monitor goroutine mid-read, and
// waits for it to drain. Stopping a stopped provider is a no-op.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if p.port == nil {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	port := p.port
	done := p.done
	p.port = nil
	p.mu.Unlock()

	err := port.Close()
	<-done
	if err != nil {
		return fmt.Errorf("nmea: close: %w", err)
	}
	return nil
}

// monitor scans sentences until the port closes. A read failure while the
// provider is supposed to be running surfaces as a source error.
func (p *Provider) monitor(port io.Reader, done chan struct{}) {
	defer close(done)

	var gga GGA
	var haveGGA bool

	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if !strings.HasPrefix(line, "$") {
			// Receivers emit binary noise on power-up.
			continue
		}
		addr, fields, err := ParseSentence(line)
		if err != nil {
			monitoring.Debugf("nmea: dropping sentence: %v", err)
			continue
		}
		switch {
		case strings.HasSuffix(addr, typeGGA):
			g, err := ParseGGA(fields)
			if err != nil {
				monitoring.Debugf("nmea: %v", err)
				continue
			}
			if g.Quality > 0 {
				gga, haveGGA = g, true
			}
		case strings.HasSuffix(addr, typeRMC):
			r, err := ParseRMC(fields)
			if err != nil {
				monitoring.Debugf("nmea: %v", err)
				continue
			}
			if !r.Valid {
				continue
			}
			p.emit(r, gga, haveGGA)
		}
	}

	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return
	}
	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	p.opts.Sink.OnSourceError("nmea", err)
}

// emit applies the distance gate and hands the fused fix to the sink.
func (p *Provider) emit(r RMC, g GGA, haveGGA bool) {
	p.mu.Lock()
	gate := p.minDist
	if p.mode == track.ModeLowPower && gate < LowPowerFloorMeters {
		gate = LowPowerFloorMeters
	}
	if p.hasLast && gate > 0 && geo.Distance(p.lastLat, p.lastLon, r.Lat, r.Lon) < gate {
		p.mu.Unlock()
		return
	}
	p.lastLat, p.lastLon = r.Lat, r.Lon
	p.hasLast = true
	p.mu.Unlock()

	sample := Fuse(r, g, haveGGA)
	sample.Provider = "gps"
	p.opts.Sink.OnLocation(sample)
}
