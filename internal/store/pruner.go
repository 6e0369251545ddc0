package store

import (
	"context"
	"fmt"

	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
)

// PruneResult reports how many records each retention pass removed.
type PruneResult struct {
	PrunedByAge   int64 `json:"pruned_by_age"`
	PrunedByCount int64 `json:"pruned_by_count"`
}

// Total returns the combined number of pruned records.
func (r PruneResult) Total() int64 {
	return r.PrunedByAge + r.PrunedByCount
}

// runPruner is the retention worker loop. It wakes on the interval ticker or
// on a nudge and applies the retention policy.
func (s *Store) runPruner() {
	defer close(s.doneCh)
	ticker := s.clock.NewTicker(s.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if _, err := s.Prune(context.Background()); err != nil {
				monitoring.Logf("store: prune: %v", err)
			}
		case <-s.pruneCh:
			if _, err := s.Prune(context.Background()); err != nil {
				monitoring.Logf("store: prune: %v", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// NudgePrune requests an immediate retention pass without waiting for the
// next tick. Non-blocking; a pending nudge absorbs further ones.
func (s *Store) NudgePrune() {
	select {
	case s.pruneCh <- struct{}{}:
	default:
	}
}

// Prune applies the retention policy in two passes: records older than
// MaxDaysToPersist go first, then the total count is trimmed to
// MaxRecordsToPersist oldest-first. A zero limit disables its pass.
func (s *Store) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	rc := s.retentionSnapshot()

	if days := rc.GetMaxDaysToPersist(); days > 0 {
		cutoff := toMillis(s.clock.Now().AddDate(0, 0, -days))
		r, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE created_at < ?", cutoff)
		if err != nil {
			return res, fmt.Errorf("failed to prune by age: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to read age-pruned count: %w", err)
		}
		if n > 0 {
			res.PrunedByAge = n
			s.metrics.RecordsPruned.WithLabelValues("age").Add(float64(n))
		}
	}

	if limit := rc.GetMaxRecordsToPersist(); limit > 0 {
		r, err := s.db.ExecContext(ctx, `
			DELETE FROM records WHERE id NOT IN (
				SELECT id FROM records ORDER BY id DESC LIMIT ?
			)`, limit)
		if err != nil {
			return res, fmt.Errorf("failed to prune by count: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to read count-pruned count: %w", err)
		}
		if n > 0 {
			res.PrunedByCount = n
			s.metrics.RecordsPruned.WithLabelValues("count").Add(float64(n))
		}
	}

	if res.Total() > 0 {
		monitoring.Logf("store: pruned %d records (age: %d, count: %d)",
			res.Total(), res.PrunedByAge, res.PrunedByCount)
		s.updatePendingGauge()
	}
	return res, nil
}
