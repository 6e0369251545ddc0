package track

import (
	"fmt"
	"sort"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
)

// GeofenceUpdate is the result of evaluating one accepted fix against the
// registered region set.
type GeofenceUpdate struct {
	// Transitions are the membership edges crossed by this fix, one per
	// region at most.
	Transitions []GeofenceEvent
	// SetChanged is true when the monitored subset handed to the platform
	// actually changed.
	SetChanged bool
	// Monitored is the target monitored subset after rebalancing, nearest
	// first.
	Monitored []string
	// Errors are platform register/unregister failures. They do not stop
	// the rebalance.
	Errors []error
}

type regionState struct {
	region      GeofenceRegion
	membership  Membership
	insideSince time.Time
	orderIdx    int
}

// GeofenceManager owns the unbounded registered region set and keeps the
// platform monitor loaded with the nearest subset that fits its capacity.
// Membership transitions are computed in process from accepted fixes;
// platform-native region events are advisory and never re-emitted.
//
// The session run loop is the only caller, so the manager carries no lock.
type GeofenceManager struct {
	monitor GeofenceMonitor
	cfg     config.GeofenceConfig

	regions   map[string]*regionState
	order     []string // registration order, drives tie breaking
	monitored map[string]bool
	nextOrder int
}

// NewGeofenceManager returns a manager with no registered regions.
func NewGeofenceManager(monitor GeofenceMonitor, cfg config.GeofenceConfig) *GeofenceManager {
	return &GeofenceManager{
		monitor:   monitor,
		cfg:       cfg,
		regions:   make(map[string]*regionState),
		monitored: make(map[string]bool),
	}
}

// Reconfigure swaps geofence settings. Membership state is unaffected.
func (g *GeofenceManager) Reconfigure(cfg config.GeofenceConfig) { g.cfg = cfg }

// validateRegion checks a region definition before it enters the registered
// set or the store.
func validateRegion(r GeofenceRegion) error {
	if r.ID == "" {
		return fmt.Errorf("geofence id is required")
	}
	if r.Radius <= 0 {
		return fmt.Errorf("geofence %q: radius must be positive, got %v", r.ID, r.Radius)
	}
	if r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180 {
		return fmt.Errorf("geofence %q: center out of range (%v, %v)", r.ID, r.Lat, r.Lon)
	}
	return nil
}

// AddRegion registers a region with the manager. Re-adding an existing ID
// replaces its definition, keeps its registration order slot, and resets its
// membership. The platform monitor is untouched until the next evaluation.
func (g *GeofenceManager) AddRegion(r GeofenceRegion) error {
	if err := validateRegion(r); err != nil {
		return err
	}
	if st, ok := g.regions[r.ID]; ok {
		st.region = r
		st.membership = Outside
		st.insideSince = time.Time{}
		return nil
	}
	g.regions[r.ID] = &regionState{region: r, orderIdx: g.nextOrder}
	g.nextOrder++
	g.order = append(g.order, r.ID)
	return nil
}

// RemoveRegion drops a region. If the platform is currently monitoring it,
// it is unregistered immediately so the capacity slot frees up; the next
// evaluation fills the slot with the nearest remaining region.
func (g *GeofenceManager) RemoveRegion(id string) (bool, error) {
	if _, ok := g.regions[id]; !ok {
		return false, nil
	}
	delete(g.regions, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	if g.monitored[id] {
		delete(g.monitored, id)
		if err := g.monitor.Unregister(id); err != nil {
			return true, fmt.Errorf("unregister geofence %q: %w", id, err)
		}
	}
	return true, nil
}

// Region returns a registered region by ID.
func (g *GeofenceManager) Region(id string) (GeofenceRegion, bool) {
	st, ok := g.regions[id]
	if !ok {
		return GeofenceRegion{}, false
	}
	return st.region, true
}

// Regions returns all registered regions in registration order.
func (g *GeofenceManager) Regions() []GeofenceRegion {
	out := make([]GeofenceRegion, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.regions[id].region)
	}
	return out
}

// Membership returns the membership state for a registered region.
func (g *GeofenceManager) Membership(id string) (Membership, bool) {
	st, ok := g.regions[id]
	if !ok {
		return Outside, false
	}
	return st.membership, true
}

// Count returns the registered region count.
func (g *GeofenceManager) Count() int { return len(g.regions) }

// MonitoredCount returns how many regions the platform currently monitors.
func (g *GeofenceManager) MonitoredCount() int { return len(g.monitored) }

// WantsContinuousFixes reports whether high-accuracy geofencing should keep
// the provider in continuous mode regardless of motion state.
func (g *GeofenceManager) WantsContinuousFixes() bool {
	return g.cfg.GetHighAccuracy() && len(g.regions) > 0
}

// Evaluate runs one accepted fix through every registered region: membership
// edges first, then a rebalance of the monitored subset to the regions
// nearest the fix. Distance ties are broken by registration order. A fix
// exactly on a boundary counts as inside.
func (g *GeofenceManager) Evaluate(s LocationSample, at time.Time) GeofenceUpdate {
	var upd GeofenceUpdate
	if len(g.regions) == 0 {
		return upd
	}

	type candidate struct {
		id       string
		dist     float64
		orderIdx int
	}
	candidates := make([]candidate, 0, len(g.regions))

	dwellDelay := g.cfg.GetDwellDelay()
	for _, id := range g.order {
		st := g.regions[id]
		dist := geo.Distance(s.Lat, s.Lon, st.region.Lat, st.region.Lon)
		candidates = append(candidates, candidate{id: id, dist: dist, orderIdx: st.orderIdx})

		inside := dist <= st.region.Radius
		switch {
		case inside && st.membership == Outside:
			st.membership = Inside
			st.insideSince = at
			upd.Transitions = append(upd.Transitions, GeofenceEvent{
				RegionID: id, Action: GeofenceEnter, Location: s, At: at,
			})
		case !inside && st.membership != Outside:
			st.membership = Outside
			st.insideSince = time.Time{}
			upd.Transitions = append(upd.Transitions, GeofenceEvent{
				RegionID: id, Action: GeofenceExit, Location: s, At: at,
			})
		case inside && st.membership == Inside && dwellDelay > 0 && at.Sub(st.insideSince) >= dwellDelay:
			st.membership = Dwelling
			upd.Transitions = append(upd.Transitions, GeofenceEvent{
				RegionID: id, Action: GeofenceDwell, Location: s, At: at,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].orderIdx < candidates[j].orderIdx
	})

	capacity := g.monitor.Capacity()
	if capacity < 0 {
		capacity = 0
	}
	n := capacity
	if len(candidates) < n {
		n = len(candidates)
	}

	target := make(map[string]bool, n)
	upd.Monitored = make([]string, 0, n)
	for _, c := range candidates[:n] {
		target[c.id] = true
		upd.Monitored = append(upd.Monitored, c.id)
	}

	// Unregister leavers before registering joiners so the platform never
	// holds more than its capacity.
	for id := range g.monitored {
		if target[id] {
			continue
		}
		upd.SetChanged = true
		delete(g.monitored, id)
		if err := g.monitor.Unregister(id); err != nil {
			upd.Errors = append(upd.Errors, fmt.Errorf("unregister geofence %q: %w", id, err))
		}
	}
	for _, id := range upd.Monitored {
		if g.monitored[id] {
			continue
		}
		upd.SetChanged = true
		if err := g.monitor.Register(g.regions[id].region); err != nil {
			upd.Errors = append(upd.Errors, fmt.Errorf("register geofence %q: %w", id, err))
			continue
		}
		g.monitored[id] = true
	}
	return upd
}
