package track

import (
	"math"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/geo"
)

// Rejection reasons, used for metrics labels and error events.
const (
	RejectAccuracy     = "accuracy"
	RejectImpliedSpeed = "implied_speed"
)

// FilterOutcome is the result of running one fix through the filter.
type FilterOutcome struct {
	// Sample is the fix to carry forward. Under the adjust policy its
	// geometry may differ from the input.
	Sample LocationSample
	// Accepted is false when the fix was dropped.
	Accepted bool
	// Reason names the failed check when Accepted is false, or the check
	// that triggered an adjustment.
	Reason string
	// Silent is true when the drop should not emit an error event.
	Silent bool
	// Adjusted is true when the geometry was substituted from the last
	// accepted fix.
	Adjusted bool
	// OdometerEligible is true when the accepted fix may contribute to the
	// odometer.
	OdometerEligible bool
}

// Filter validates incoming fixes against accuracy and implied-speed checks
// and maintains the elastic minimum-move distance. It holds the last
// accepted fix; the session run loop is its only caller, so it carries no
// lock of its own.
type Filter struct {
	cfg  config.FilterConfig
	ecfg config.ElasticityConfig

	last      *LocationSample
	effective float64
}

// NewFilter returns a filter with no accepted fix yet.
func NewFilter(cfg config.FilterConfig, ecfg config.ElasticityConfig) *Filter {
	f := &Filter{cfg: cfg, ecfg: ecfg}
	f.effective = f.computeEffective(0)
	return f
}

// Reconfigure swaps the filter settings. The last accepted fix survives a
// reconfigure so implied-speed checks stay continuous.
func (f *Filter) Reconfigure(cfg config.FilterConfig, ecfg config.ElasticityConfig) {
	f.cfg = cfg
	f.ecfg = ecfg
	speed := 0.0
	if f.last != nil {
		speed = f.last.Speed
	}
	f.effective = f.computeEffective(speed)
}

// Apply runs one fix through the checks in order: accuracy, implied speed,
// odometer eligibility. On acceptance it updates the last accepted fix and
// recomputes the effective minimum-move distance.
func (f *Filter) Apply(s LocationSample) FilterOutcome {
	if threshold := f.cfg.GetTrackingAccuracyThreshold(); s.Accuracy > threshold {
		out, done := f.applyPolicy(&s, f.cfg.GetAccuracyPolicy(), RejectAccuracy)
		if done {
			return out
		}
	}

	if max := f.cfg.GetMaxImpliedSpeed(); max > 0 && f.last != nil {
		dt := s.Timestamp.Sub(f.last.Timestamp).Seconds()
		// A fix not newer than the last accepted one has no defined implied
		// speed; the check is skipped rather than failed.
		if dt > 0 {
			implied := geo.Distance(f.last.Lat, f.last.Lon, s.Lat, s.Lon) / dt
			if implied > max {
				out, done := f.applyPolicy(&s, f.cfg.GetImpliedSpeedPolicy(), RejectImpliedSpeed)
				if done {
					return out
				}
			}
		}
	}

	eligible := true
	if oa := f.cfg.GetOdometerAccuracyThreshold(); oa > 0 && s.Accuracy > oa {
		eligible = false
	}

	accepted := s
	f.last = &accepted
	f.effective = f.computeEffective(accepted.Speed)

	return FilterOutcome{
		Sample:           accepted,
		Accepted:         true,
		OdometerEligible: eligible,
	}
}

// applyPolicy resolves a failed check. done is true when the pipeline should
// stop: either the fix was dropped, or an adjustment already produced the
// final geometry. An adjusted fix skips the remaining checks because its
// geometry is the previously accepted one.
func (f *Filter) applyPolicy(s *LocationSample, p config.Policy, reason string) (FilterOutcome, bool) {
	switch p {
	case config.PolicyIgnore:
		return FilterOutcome{Sample: *s, Reason: reason, Silent: true}, true
	case config.PolicyAdjust:
		if f.last == nil {
			// Nothing to substitute from; dropped like discard.
			return FilterOutcome{Sample: *s, Reason: reason}, true
		}
		adjusted := *s
		adjusted.Lat = f.last.Lat
		adjusted.Lon = f.last.Lon
		adjusted.Altitude = f.last.Altitude
		adjusted.Accuracy = f.last.Accuracy
		eligible := true
		if oa := f.cfg.GetOdometerAccuracyThreshold(); oa > 0 && adjusted.Accuracy > oa {
			eligible = false
		}
		f.last = &adjusted
		f.effective = f.computeEffective(adjusted.Speed)
		return FilterOutcome{
			Sample:           adjusted,
			Accepted:         true,
			Reason:           reason,
			Adjusted:         true,
			OdometerEligible: eligible,
		}, true
	default: // discard
		return FilterOutcome{Sample: *s, Reason: reason}, true
	}
}

// EffectiveDistance returns the current minimum-move distance in meters:
//
//	distanceFilter + elasticityMultiplier * round5(speed)
//
// where round5 rounds the speed in m/s to the nearest multiple of five.
// With elasticity disabled the configured distanceFilter is returned
// unscaled. The value is recomputed after every accepted fix and handed to
// the provider as its next minimum-distance parameter.
func (f *Filter) EffectiveDistance() float64 {
	return f.effective
}

// LastAccepted returns a copy of the last accepted fix, if any.
func (f *Filter) LastAccepted() (LocationSample, bool) {
	if f.last == nil {
		return LocationSample{}, false
	}
	return *f.last, true
}

func (f *Filter) computeEffective(speed float64) float64 {
	base := f.cfg.GetDistanceFilter()
	if f.ecfg.GetDisableElasticity() {
		return base
	}
	if speed < 0 {
		speed = 0
	}
	rounded := math.Round(speed/5.0) * 5.0
	return base + f.ecfg.GetElasticityMultiplier()*rounded
}
