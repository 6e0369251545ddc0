package track

import (
	"math"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
)

// gravity is standard gravitational acceleration in m/s^2, subtracted from
// accelerometer magnitudes before shake comparison.
const gravity = 9.80665

type timerKind int

const (
	timerStop timerKind = iota
	timerTrigger
)

// MotionTransition is one declared state change.
type MotionTransition struct {
	From    MotionState
	To      MotionState
	At      time.Time
	Trigger string // "activity", "shake", "stop_timeout", "trigger_delay"
}

// MotionResult is the output of feeding one input to the machine. A nil
// Transition means no state was declared; Intents are the port commands the
// session should apply.
type MotionResult struct {
	Transition *MotionTransition
	Intents    []Intent
}

// MotionMachine classifies moving vs. stationary from activity transitions
// and accelerometer samples. It emits intents only; the session applies them
// to the provider and accelerometer ports, so the provider never calls back
// into the machine.
//
// All state-mutating methods must be called from the session run loop. Timer
// callbacks touch no machine state: they hand the fire back through onTimer,
// and the loop feeds it to handleTimerFired, where stale generations are
// discarded.
type MotionMachine struct {
	clock timeutil.Clock
	cfg   config.MotionConfig

	// onTimer is invoked from timer goroutines when an armed timer fires.
	onTimer func(k timerKind, gen uint64)

	state MotionState

	stopTimer timeutil.Timer
	stopGen   uint64

	triggerTimer timeutil.Timer
	triggerGen   uint64
	triggerArmed bool
}

// NewMotionMachine returns a machine in the given initial state. No timer is
// armed and no declaration is emitted for the initial state; callers apply
// InitialIntents when sources come up.
func NewMotionMachine(clock timeutil.Clock, cfg config.MotionConfig, initial MotionState, onTimer func(k timerKind, gen uint64)) *MotionMachine {
	return &MotionMachine{
		clock:   clock,
		cfg:     cfg,
		onTimer: onTimer,
		state:   initial,
	}
}

// State returns the current motion state.
func (m *MotionMachine) State() MotionState { return m.state }

// Reconfigure swaps motion settings. Already armed timers keep their
// original deadline; new settings apply from the next arm.
func (m *MotionMachine) Reconfigure(cfg config.MotionConfig) { m.cfg = cfg }

// InitialIntents returns the port commands matching the current state, used
// when sources are started or re-enabled after a schedule gap.
func (m *MotionMachine) InitialIntents() []Intent {
	if m.state == Stationary {
		return []Intent{IntentProviderLowPower, IntentAccelStart}
	}
	return []Intent{IntentProviderHighPower, IntentAccelStop}
}

// HandleActivity feeds one classifier transition to the machine.
func (m *MotionMachine) HandleActivity(ev ActivityEvent) MotionResult {
	stillEnter := ev.Type == ActivityStill && ev.Entering
	movingSignal := (ev.Type == ActivityStill && !ev.Entering) ||
		(ev.Type.IsMovingActivity() && ev.Entering)

	switch {
	case stillEnter:
		// A pending moving trigger is cancelled without a MOVING event.
		m.cancelTrigger()
		if m.state == Moving {
			m.state = PendingStop
			m.armStop()
		}
		return MotionResult{}

	case movingSignal:
		switch m.state {
		case PendingStop:
			// The stop was never declared, so MOVING is retained without a
			// duplicate declaration.
			m.cancelStop()
			m.state = Moving
			return MotionResult{}
		case Stationary:
			if d := m.cfg.GetMotionTriggerDelay(); d > 0 {
				if !m.triggerArmed {
					m.armTrigger(d)
				}
				return MotionResult{}
			}
			return m.declareMoving(ev.At, "activity")
		}
	}
	return MotionResult{}
}

// HandleAccel feeds one accelerometer sample. Samples outside Stationary are
// ignored.
func (m *MotionMachine) HandleAccel(s AccelSample) MotionResult {
	if m.state != Stationary {
		return MotionResult{}
	}
	mag := math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	if math.Abs(mag-gravity) > m.cfg.GetShakeThreshold() {
		return m.declareMoving(s.At, "shake")
	}
	return MotionResult{}
}

// handleTimerFired routes an armed timer's fire back into the machine. A
// fire whose generation no longer matches was cancelled in flight and is
// dropped.
func (m *MotionMachine) handleTimerFired(k timerKind, gen uint64) MotionResult {
	switch k {
	case timerStop:
		if gen != m.stopGen || m.state != PendingStop {
			return MotionResult{}
		}
		m.stopTimer = nil
		m.state = Stationary
		return MotionResult{
			Transition: &MotionTransition{
				From:    PendingStop,
				To:      Stationary,
				At:      m.clock.Now(),
				Trigger: "stop_timeout",
			},
			Intents: []Intent{IntentProviderLowPower, IntentAccelStart},
		}
	case timerTrigger:
		if gen != m.triggerGen || !m.triggerArmed || m.state != Stationary {
			return MotionResult{}
		}
		m.triggerArmed = false
		m.triggerTimer = nil
		return m.declareMoving(m.clock.Now(), "trigger_delay")
	}
	return MotionResult{}
}

// CancelTimers disarms any pending timers, leaving the state as is. Used
// when sources are stopped.
func (m *MotionMachine) CancelTimers() {
	m.cancelStop()
	m.cancelTrigger()
}

func (m *MotionMachine) declareMoving(at time.Time, trigger string) MotionResult {
	from := m.state
	m.cancelStop()
	m.cancelTrigger()
	m.state = Moving
	return MotionResult{
		Transition: &MotionTransition{From: from, To: Moving, At: at, Trigger: trigger},
		Intents:    []Intent{IntentProviderHighPower, IntentAccelStop},
	}
}

func (m *MotionMachine) armStop() {
	m.stopGen++
	gen := m.stopGen
	m.stopTimer = m.clock.AfterFunc(m.cfg.GetStopTimeout(), func() {
		m.notifyTimer(timerStop, gen)
	})
}

func (m *MotionMachine) cancelStop() {
	m.stopGen++
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
}

func (m *MotionMachine) armTrigger(d time.Duration) {
	m.triggerGen++
	m.triggerArmed = true
	gen := m.triggerGen
	m.triggerTimer = m.clock.AfterFunc(d, func() {
		m.notifyTimer(timerTrigger, gen)
	})
}

func (m *MotionMachine) cancelTrigger() {
	m.triggerGen++
	m.triggerArmed = false
	if m.triggerTimer != nil {
		m.triggerTimer.Stop()
		m.triggerTimer = nil
	}
}

func (m *MotionMachine) notifyTimer(k timerKind, gen uint64) {
	if m.onTimer != nil {
		m.onTimer(k, gen)
	}
}
