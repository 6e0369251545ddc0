package store

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DailyRollup summarizes one UTC day of location records. Distance is the
// odometer delta across the day; speed figures come from fixes that reported
// a speed.
type DailyRollup struct {
	Date        string  `json:"date"` // YYYY-MM-DD
	Records     int     `json:"records"`
	DistanceM   float64 `json:"distance_m"`
	AvgSpeedMps float64 `json:"avg_speed_mps"`
	P85SpeedMps float64 `json:"p85_speed_mps"`
	MaxSpeedMps float64 `json:"max_speed_mps"`
}

// DailyStats aggregates location records from the last days UTC days into
// per-day rollups, oldest day first. Days with no records are omitted.
func (s *Store) DailyStats(ctx context.Context, days int) ([]DailyRollup, error) {
	if days < 1 {
		days = 7
	}
	since := toMillis(s.clock.Now().UTC().AddDate(0, 0, -days))

	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', recorded_at / 1000, 'unixepoch'), speed, odometer
		FROM records
		WHERE type = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`,
		TypeLocation, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollup records: %w", err)
	}
	defer rows.Close()

	type dayAgg struct {
		count          int
		speeds         []float64
		minOdo, maxOdo float64
	}
	aggs := make(map[string]*dayAgg)
	var order []string

	for rows.Next() {
		var day string
		var speed, odo float64
		if err := rows.Scan(&day, &speed, &odo); err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}
		a := aggs[day]
		if a == nil {
			a = &dayAgg{minOdo: odo, maxOdo: odo}
			aggs[day] = a
			order = append(order, day)
		}
		a.count++
		if speed >= 0 {
			a.speeds = append(a.speeds, speed)
		}
		if odo < a.minOdo {
			a.minOdo = odo
		}
		if odo > a.maxOdo {
			a.maxOdo = odo
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rollup rows: %w", err)
	}

	out := make([]DailyRollup, 0, len(order))
	for _, day := range order {
		a := aggs[day]
		r := DailyRollup{Date: day, Records: a.count}
		if d := a.maxOdo - a.minOdo; d > 0 {
			r.DistanceM = d
		}
		if len(a.speeds) > 0 {
			sort.Float64s(a.speeds)
			r.AvgSpeedMps = stat.Mean(a.speeds, nil)
			r.P85SpeedMps = stat.Quantile(0.85, stat.Empirical, a.speeds, nil)
			r.MaxSpeedMps = a.speeds[len(a.speeds)-1]
		}
		out = append(out, r)
	}
	return out, nil
}
