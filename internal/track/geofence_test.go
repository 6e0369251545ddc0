package track

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
)

func region(id string, lat, lon, radius float64) GeofenceRegion {
	return GeofenceRegion{ID: id, Lat: lat, Lon: lon, Radius: radius}
}

func evalFix(lat, lon float64, at time.Time) LocationSample {
	return LocationSample{Lat: lat, Lon: lon, Accuracy: 5, Timestamp: at}
}

func transitionActions(trs []GeofenceEvent) []string {
	out := make([]string, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.RegionID+":"+string(tr.Action))
	}
	return out
}

func TestGeofenceMembershipEdges(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	t.Run("enter and exit fire once per crossing", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(10), config.GeofenceConfig{})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

		upd := g.Evaluate(evalFix(47.6, -122.3, at), at)
		assert.Equal(t, []string{"home:enter"}, transitionActions(upd.Transitions))

		// Still inside: no repeat.
		upd = g.Evaluate(evalFix(47.6001, -122.3, at.Add(time.Minute)), at.Add(time.Minute))
		assert.Empty(t, upd.Transitions)

		// Well outside.
		upd = g.Evaluate(evalFix(47.7, -122.3, at.Add(2*time.Minute)), at.Add(2*time.Minute))
		assert.Equal(t, []string{"home:exit"}, transitionActions(upd.Transitions))

		// Back in: a fresh enter.
		upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(3*time.Minute)), at.Add(3*time.Minute))
		assert.Equal(t, []string{"home:enter"}, transitionActions(upd.Transitions))
	})

	t.Run("boundary counts as inside", func(t *testing.T) {
		t.Parallel()
		// Radius chosen as the exact distance to the fix.
		fixLat := 47.6 + 0.0009
		radius := geo.Distance(47.6, -122.3, fixLat, -122.3)

		g := NewGeofenceManager(NewMockGeofenceMonitor(10), config.GeofenceConfig{})
		require.NoError(t, g.AddRegion(region("edge", 47.6, -122.3, radius)))

		upd := g.Evaluate(evalFix(fixLat, -122.3, at), at)
		assert.Equal(t, []string{"edge:enter"}, transitionActions(upd.Transitions))
	})

	t.Run("dwell after continuous containment", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(10), config.GeofenceConfig{
			DwellDelay: config.String("2m"),
		})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

		upd := g.Evaluate(evalFix(47.6, -122.3, at), at)
		assert.Equal(t, []string{"home:enter"}, transitionActions(upd.Transitions))

		upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(time.Minute)), at.Add(time.Minute))
		assert.Empty(t, upd.Transitions)

		upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(2*time.Minute)), at.Add(2*time.Minute))
		assert.Equal(t, []string{"home:dwell"}, transitionActions(upd.Transitions))

		// Dwelling does not repeat.
		upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(3*time.Minute)), at.Add(3*time.Minute))
		assert.Empty(t, upd.Transitions)

		upd = g.Evaluate(evalFix(47.7, -122.3, at.Add(4*time.Minute)), at.Add(4*time.Minute))
		assert.Equal(t, []string{"home:exit"}, transitionActions(upd.Transitions))
	})

	t.Run("dwell disabled by default", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(10), config.GeofenceConfig{})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

		g.Evaluate(evalFix(47.6, -122.3, at), at)
		upd := g.Evaluate(evalFix(47.6, -122.3, at.Add(time.Hour)), at.Add(time.Hour))
		assert.Empty(t, upd.Transitions)

		m, ok := g.Membership("home")
		require.True(t, ok)
		assert.Equal(t, Inside, m)
	})

	t.Run("interrupted containment restarts the dwell clock", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(10), config.GeofenceConfig{
			DwellDelay: config.String("2m"),
		})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

		g.Evaluate(evalFix(47.6, -122.3, at), at)
		g.Evaluate(evalFix(47.7, -122.3, at.Add(time.Minute)), at.Add(time.Minute))
		g.Evaluate(evalFix(47.6, -122.3, at.Add(90*time.Second)), at.Add(90*time.Second))

		// 2m have passed since the first enter but only 30s since re-entry.
		upd := g.Evaluate(evalFix(47.6, -122.3, at.Add(2*time.Minute)), at.Add(2*time.Minute))
		assert.Empty(t, upd.Transitions)

		upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(210*time.Second)), at.Add(210*time.Second))
		assert.Equal(t, []string{"home:dwell"}, transitionActions(upd.Transitions))
	})
}

func TestGeofenceNearestNWindow(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	monitor := NewMockGeofenceMonitor(20)
	g := NewGeofenceManager(monitor, config.GeofenceConfig{})

	// Twenty regions strung north of the origin, five more in a far cluster.
	for i := 1; i <= 20; i++ {
		require.NoError(t, g.AddRegion(region(fmt.Sprintf("r%02d", i), 0.01*float64(i), 0, 50)))
	}
	for i := 21; i <= 25; i++ {
		require.NoError(t, g.AddRegion(region(fmt.Sprintf("r%02d", i), 0.30+0.01*float64(i-21), 0, 50)))
	}
	require.Equal(t, 25, g.Count())

	// From the origin the first twenty are nearest.
	upd := g.Evaluate(evalFix(0, 0, at), at)
	assert.True(t, upd.SetChanged)
	assert.Empty(t, upd.Errors)
	assert.Equal(t, 20, g.MonitoredCount())
	want := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		want = append(want, fmt.Sprintf("r%02d", i))
	}
	assert.ElementsMatch(t, want, upd.Monitored)

	// Near the far cluster, regions 21-25 displace the five farthest.
	upd = g.Evaluate(evalFix(0.32, 0, at.Add(time.Minute)), at.Add(time.Minute))
	assert.True(t, upd.SetChanged)
	assert.Equal(t, 20, g.MonitoredCount())
	assert.ElementsMatch(t, []string{"r01", "r02", "r03", "r04", "r05"}, monitor.UnregisterHistory())

	want = want[:0]
	for i := 6; i <= 25; i++ {
		want = append(want, fmt.Sprintf("r%02d", i))
	}
	assert.ElementsMatch(t, want, upd.Monitored)
	registered := monitor.Registered()
	assert.Len(t, registered, 20)
	for _, id := range want {
		assert.True(t, registered[id], "expected %s monitored", id)
	}

	// Same position again: nothing changes.
	upd = g.Evaluate(evalFix(0.32, 0, at.Add(2*time.Minute)), at.Add(2*time.Minute))
	assert.False(t, upd.SetChanged)
}

func TestGeofenceDistanceTieBreaksByRegistrationOrder(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	monitor := NewMockGeofenceMonitor(1)
	g := NewGeofenceManager(monitor, config.GeofenceConfig{})
	require.NoError(t, g.AddRegion(region("first", 47.6, -122.3, 100)))
	require.NoError(t, g.AddRegion(region("second", 47.6, -122.3, 100)))

	upd := g.Evaluate(evalFix(47.0, -122.3, at), at)
	require.Len(t, upd.Monitored, 1)
	assert.Equal(t, "first", upd.Monitored[0])
}

func TestGeofenceCapacityZero(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	g := NewGeofenceManager(NewMockGeofenceMonitor(0), config.GeofenceConfig{})
	require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

	// Membership is still tracked in process even with nothing monitored.
	upd := g.Evaluate(evalFix(47.6, -122.3, at), at)
	assert.False(t, upd.SetChanged)
	assert.Equal(t, 0, g.MonitoredCount())
	assert.Equal(t, []string{"home:enter"}, transitionActions(upd.Transitions))
}

func TestGeofenceMonitorErrors(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	monitor := NewMockGeofenceMonitor(5)
	monitor.Err = fmt.Errorf("platform rejected")
	g := NewGeofenceManager(monitor, config.GeofenceConfig{})
	require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))

	upd := g.Evaluate(evalFix(47.6, -122.3, at), at)
	assert.NotEmpty(t, upd.Errors)
	assert.Equal(t, 0, g.MonitoredCount())

	// Recovery on a later fix.
	monitor.Err = nil
	upd = g.Evaluate(evalFix(47.6, -122.3, at.Add(time.Minute)), at.Add(time.Minute))
	assert.True(t, upd.SetChanged)
	assert.Equal(t, 1, g.MonitoredCount())
}

func TestGeofenceAddRemove(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(5), config.GeofenceConfig{})
		assert.Error(t, g.AddRegion(region("", 47.6, -122.3, 100)))
		assert.Error(t, g.AddRegion(region("bad-radius", 47.6, -122.3, 0)))
		assert.Error(t, g.AddRegion(region("bad-lat", 91, -122.3, 100)))
	})

	t.Run("remove unregisters a monitored region", func(t *testing.T) {
		t.Parallel()
		monitor := NewMockGeofenceMonitor(5)
		g := NewGeofenceManager(monitor, config.GeofenceConfig{})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))
		g.Evaluate(evalFix(47.6, -122.3, at), at)
		require.Equal(t, 1, g.MonitoredCount())

		removed, err := g.RemoveRegion("home")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, 0, g.MonitoredCount())
		assert.Empty(t, monitor.Registered())

		removed, err = g.RemoveRegion("home")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("re-add replaces and resets membership", func(t *testing.T) {
		t.Parallel()
		g := NewGeofenceManager(NewMockGeofenceMonitor(5), config.GeofenceConfig{})
		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 200)))
		g.Evaluate(evalFix(47.6, -122.3, at), at)
		m, _ := g.Membership("home")
		require.Equal(t, Inside, m)

		require.NoError(t, g.AddRegion(region("home", 47.6, -122.3, 250)))
		m, _ = g.Membership("home")
		assert.Equal(t, Outside, m)

		upd := g.Evaluate(evalFix(47.6, -122.3, at.Add(time.Minute)), at.Add(time.Minute))
		assert.Equal(t, []string{"home:enter"}, transitionActions(upd.Transitions))
	})
}

func TestGeofenceWantsContinuousFixes(t *testing.T) {
	t.Parallel()

	plain := NewGeofenceManager(NewMockGeofenceMonitor(5), config.GeofenceConfig{})
	require.NoError(t, plain.AddRegion(region("home", 47.6, -122.3, 200)))
	assert.False(t, plain.WantsContinuousFixes())

	high := NewGeofenceManager(NewMockGeofenceMonitor(5), config.GeofenceConfig{
		HighAccuracy: config.Bool(true),
	})
	assert.False(t, high.WantsContinuousFixes(), "no regions registered yet")
	require.NoError(t, high.AddRegion(region("home", 47.6, -122.3, 200)))
	assert.True(t, high.WantsContinuousFixes())
}
