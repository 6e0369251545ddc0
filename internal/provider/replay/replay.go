// Package replay feeds recorded NMEA sentences through the engine at a
// fixed cadence. It exists for development rigs without a GPS attached:
// point it at a fixture file and the engine sees the same stream a serial
// receiver would produce, including the minimum-distance gating.
package replay

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/provider/nmea"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// Sink receives replayed fixes and fixture failures. The track.Session
// satisfies it.
type Sink interface {
	OnLocation(sample track.LocationSample)
	OnSourceError(source string, err error)
}

// Options configure a replay provider.
type Options struct {
	// Fixture is a file of NMEA sentences, one per line. Blank lines and
	// lines starting with # are skipped.
	Fixture string
	// Loop restarts from the top at end of file.
	Loop bool
	// Interval is the delivery cadence. Defaults to one second, the RMC
	// heartbeat of a real receiver.
	Interval time.Duration
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Sink receives parsed fixes. Required.
	Sink Sink
}

// Provider plays a fixture through the same parse path as the serial
// provider and implements track.LocationProvider. Samples keep their
// recorded timestamps; the engine's filter works on relative spacing.
type Provider struct {
	opts  Options
	lines []string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	mode    track.ProviderMode
	minDist float64
	lastLat float64
	lastLon float64
	hasLast bool
	pos     int

	// gga context is owned by the run goroutine.
	gga     nmea.GGA
	haveGGA bool
}

// New loads the fixture and returns an unstarted provider.
func New(opts Options) (*Provider, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("replay: sink is required")
	}
	if opts.Fixture == "" {
		return nil, fmt.Errorf("replay: fixture is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	data, err := os.ReadFile(opts.Fixture)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("replay: fixture %s has no sentences", opts.Fixture)
	}

	return &Provider{opts: opts, lines: lines}, nil
}

// Start begins delivery on the configured cadence. On a running provider
// it applies the new mode and minimum distance in place. Playback position
// survives a Stop so a restarted session continues the route.
func (p *Provider) Start(mode track.ProviderMode, minDistance float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mode = mode
	p.minDist = minDistance
	if p.running {
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	// The ticker is armed before the goroutine spawns so Start returning
	// means the cadence is live.
	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	go p.run(ticker, p.stop, p.done)
	return nil
}

// Stop halts delivery and waits for the run goroutine. Stopping a stopped
// provider is a no-op.
func (p *Provider) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	return nil
}

func (p *Provider) run(ticker timeutil.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if !p.step() {
				// The fixture is exhausted. Park until stopped so the
				// lifecycle matches a receiver that went silent.
				ticker.Stop()
				<-stop
				return
			}
		}
	}
}

// step consumes fixture lines until one valid fix is handled, updating GGA
// context along the way. It returns false when the fixture cannot produce
// any more fixes.
func (p *Provider) step() bool {
	scanned := 0
	for {
		if scanned > len(p.lines) {
			// A full pass without a usable fix means the fixture cannot
			// drive the engine.
			p.opts.Sink.OnSourceError("replay", fmt.Errorf("fixture %s has no usable fixes", p.opts.Fixture))
			return false
		}
		scanned++

		p.mu.Lock()
		if p.pos >= len(p.lines) {
			if !p.opts.Loop {
				p.mu.Unlock()
				p.opts.Sink.OnSourceError("replay", io.EOF)
				return false
			}
			p.pos = 0
		}
		line := p.lines[p.pos]
		p.pos++
		p.mu.Unlock()

		addr, fields, err := nmea.ParseSentence(line)
		if err != nil {
			monitoring.Debugf("replay: dropping line: %v", err)
			continue
		}
		switch {
		case strings.HasSuffix(addr, "GGA"):
			g, err := nmea.ParseGGA(fields)
			if err != nil {
				monitoring.Debugf("replay: %v", err)
				continue
			}
			if g.Quality > 0 {
				p.gga, p.haveGGA = g, true
			}
		case strings.HasSuffix(addr, "RMC"):
			r, err := nmea.ParseRMC(fields)
			if err != nil {
				monitoring.Debugf("replay: %v", err)
				continue
			}
			if !r.Valid {
				continue
			}
			p.emit(r)
			return true
		}
	}
}

// emit applies the distance gate and hands the fix to the sink.
func (p *Provider) emit(r nmea.RMC) {
	p.mu.Lock()
	gate := p.minDist
	if p.mode == track.ModeLowPower && gate < nmea.LowPowerFloorMeters {
		gate = nmea.LowPowerFloorMeters
	}
	if p.hasLast && gate > 0 && geo.Distance(p.lastLat, p.lastLon, r.Lat, r.Lon) < gate {
		p.mu.Unlock()
		return
	}
	p.lastLat, p.lastLon = r.Lat, r.Lon
	p.hasLast = true
	p.mu.Unlock()

	sample := nmea.Fuse(r, p.gga, p.haveGGA)
	sample.Provider = "replay"
	p.opts.Sink.OnLocation(sample)
}
