package track

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
)

// motionHarness feeds timer fires straight back into the machine so mock
// clock advances behave like the session loop would.
type motionHarness struct {
	clock   *timeutil.MockClock
	machine *MotionMachine
	fired   []MotionResult
}

func newMotionHarness(cfg config.MotionConfig, initial MotionState, start time.Time) *motionHarness {
	h := &motionHarness{clock: timeutil.NewMockClock(start)}
	h.machine = NewMotionMachine(h.clock, cfg, initial, func(k timerKind, gen uint64) {
		res := h.machine.handleTimerFired(k, gen)
		if res.Transition != nil || len(res.Intents) > 0 {
			h.fired = append(h.fired, res)
		}
	})
	return h
}

func TestMotionStopTimeout(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	cfg := config.MotionConfig{StopTimeout: config.String("5m")}

	t.Run("still enter then timeout declares stationary", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Moving, start)

		res := h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start})
		assert.Nil(t, res.Transition)
		assert.Empty(t, res.Intents)
		assert.Equal(t, PendingStop, h.machine.State())

		h.clock.Advance(5 * time.Minute)
		require.Len(t, h.fired, 1)
		tr := h.fired[0].Transition
		require.NotNil(t, tr)
		assert.Equal(t, PendingStop, tr.From)
		assert.Equal(t, Stationary, tr.To)
		assert.Equal(t, start.Add(5*time.Minute), tr.At)
		assert.Equal(t, "stop_timeout", tr.Trigger)
		assert.Equal(t, []Intent{IntentProviderLowPower, IntentAccelStart}, h.fired[0].Intents)
		assert.Equal(t, Stationary, h.machine.State())
	})

	t.Run("moving activity cancels the pending stop", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Moving, start)

		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start})
		h.clock.Advance(3 * time.Minute)
		require.Empty(t, h.fired)

		res := h.machine.HandleActivity(ActivityEvent{
			Type: ActivityWalking, Entering: true, At: start.Add(3 * time.Minute),
		})
		// MOVING is retained, not re-declared.
		assert.Nil(t, res.Transition)
		assert.Empty(t, res.Intents)
		assert.Equal(t, Moving, h.machine.State())

		h.clock.Advance(10 * time.Minute)
		assert.Empty(t, h.fired)
	})

	t.Run("still exit cancels the pending stop", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Moving, start)

		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start})
		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: false, At: start.Add(time.Minute)})
		assert.Equal(t, Moving, h.machine.State())
		assert.Equal(t, 0, h.clock.ActiveTimers())

		h.clock.Advance(10 * time.Minute)
		assert.Empty(t, h.fired)
	})

	t.Run("repeated still enters arm a single timer", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Moving, start)

		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start})
		h.clock.Advance(2 * time.Minute)
		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start.Add(2 * time.Minute)})
		assert.Equal(t, 1, h.clock.ActiveTimers())

		// The original deadline holds; the repeat does not extend it.
		h.clock.Advance(3 * time.Minute)
		require.Len(t, h.fired, 1)
		assert.Equal(t, start.Add(5*time.Minute), h.fired[0].Transition.At)
	})
}

func TestMotionDeclareMoving(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	t.Run("immediate without trigger delay", func(t *testing.T) {
		t.Parallel()
		cfg := config.MotionConfig{StopTimeout: config.String("5m"), MotionTriggerDelay: config.String("0s")}
		h := newMotionHarness(cfg, Stationary, start)

		res := h.machine.HandleActivity(ActivityEvent{Type: ActivityInVehicle, Entering: true, At: start})
		require.NotNil(t, res.Transition)
		assert.Equal(t, Stationary, res.Transition.From)
		assert.Equal(t, Moving, res.Transition.To)
		assert.Equal(t, "activity", res.Transition.Trigger)
		assert.Equal(t, []Intent{IntentProviderHighPower, IntentAccelStop}, res.Intents)
		assert.Equal(t, Moving, h.machine.State())
	})

	t.Run("deferred by trigger delay", func(t *testing.T) {
		t.Parallel()
		cfg := config.MotionConfig{MotionTriggerDelay: config.String("30s")}
		h := newMotionHarness(cfg, Stationary, start)

		res := h.machine.HandleActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: start})
		assert.Nil(t, res.Transition)
		assert.Equal(t, Stationary, h.machine.State())

		h.clock.Advance(30 * time.Second)
		require.Len(t, h.fired, 1)
		tr := h.fired[0].Transition
		require.NotNil(t, tr)
		assert.Equal(t, Moving, tr.To)
		assert.Equal(t, "trigger_delay", tr.Trigger)
		assert.Equal(t, start.Add(30*time.Second), tr.At)
	})

	t.Run("still enter cancels a pending trigger", func(t *testing.T) {
		t.Parallel()
		cfg := config.MotionConfig{MotionTriggerDelay: config.String("30s")}
		h := newMotionHarness(cfg, Stationary, start)

		h.machine.HandleActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: start})
		h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start.Add(10 * time.Second)})

		h.clock.Advance(time.Minute)
		assert.Empty(t, h.fired)
		assert.Equal(t, Stationary, h.machine.State())
	})

	t.Run("moving signal while moving is a no-op", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(config.MotionConfig{}, Moving, start)
		res := h.machine.HandleActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: start})
		assert.Nil(t, res.Transition)
		assert.Empty(t, res.Intents)
		assert.Equal(t, Moving, h.machine.State())
	})
}

func TestMotionShake(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	cfg := config.MotionConfig{ShakeThreshold: config.Float64(1.2)}

	t.Run("shake above threshold wakes the machine", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Stationary, start)

		res := h.machine.HandleAccel(AccelSample{X: 0, Y: 0, Z: gravity + 2.0, At: start})
		require.NotNil(t, res.Transition)
		assert.Equal(t, Stationary, res.Transition.From)
		assert.Equal(t, Moving, res.Transition.To)
		assert.Equal(t, "shake", res.Transition.Trigger)
		assert.Equal(t, []Intent{IntentProviderHighPower, IntentAccelStop}, res.Intents)
	})

	t.Run("gentle motion stays stationary", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Stationary, start)

		res := h.machine.HandleAccel(AccelSample{X: 0, Y: 0, Z: gravity + 1.0, At: start})
		assert.Nil(t, res.Transition)
		assert.Equal(t, Stationary, h.machine.State())
	})

	t.Run("samples outside stationary are ignored", func(t *testing.T) {
		t.Parallel()
		h := newMotionHarness(cfg, Moving, start)

		res := h.machine.HandleAccel(AccelSample{X: 0, Y: 0, Z: gravity + 5.0, At: start})
		assert.Nil(t, res.Transition)
		assert.Equal(t, Moving, h.machine.State())
	})

	t.Run("shake cancels a pending trigger delay", func(t *testing.T) {
		t.Parallel()
		cfg := config.MotionConfig{
			MotionTriggerDelay: config.String("30s"),
			ShakeThreshold:     config.Float64(1.2),
		}
		h := newMotionHarness(cfg, Stationary, start)

		h.machine.HandleActivity(ActivityEvent{Type: ActivityWalking, Entering: true, At: start})
		res := h.machine.HandleAccel(AccelSample{X: 0, Y: 0, Z: gravity + 2.0, At: start.Add(5 * time.Second)})
		require.NotNil(t, res.Transition)
		assert.Equal(t, "shake", res.Transition.Trigger)

		// The trigger timer was cancelled along with the declaration.
		h.clock.Advance(time.Minute)
		assert.Empty(t, h.fired)
	})
}

func TestMotionCancelTimers(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	cfg := config.MotionConfig{StopTimeout: config.String("5m")}
	h := newMotionHarness(cfg, Moving, start)

	h.machine.HandleActivity(ActivityEvent{Type: ActivityStill, Entering: true, At: start})
	require.Equal(t, PendingStop, h.machine.State())

	h.machine.CancelTimers()
	h.clock.Advance(10 * time.Minute)
	assert.Empty(t, h.fired)
	assert.Equal(t, PendingStop, h.machine.State())
}

func TestMotionInitialIntents(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	moving := newMotionHarness(config.MotionConfig{}, Moving, start)
	assert.Equal(t, []Intent{IntentProviderHighPower, IntentAccelStop}, moving.machine.InitialIntents())

	stationary := newMotionHarness(config.MotionConfig{}, Stationary, start)
	assert.Equal(t, []Intent{IntentProviderLowPower, IntentAccelStart}, stationary.machine.InitialIntents())
}
