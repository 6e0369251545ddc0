package store

import (
	"database/sql"
	"fmt"

	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// SaveState upserts the single-row session state blob.
func (s *Store) SaveState(st track.PersistedState) error {
	_, err := s.db.Exec(`
		INSERT INTO session_state (id, enabled, moving, odometer, last_fix_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled     = excluded.enabled,
			moving      = excluded.moving,
			odometer    = excluded.odometer,
			last_fix_at = excluded.last_fix_at,
			updated_at  = excluded.updated_at`,
		boolToInt(st.Enabled),
		boolToInt(st.Moving),
		st.Odometer,
		toMillis(st.LastFixAt),
		toMillis(s.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// LoadState returns the persisted session state, or nil when none has been
// saved yet.
func (s *Store) LoadState() (*track.PersistedState, error) {
	row := s.db.QueryRow(
		"SELECT enabled, moving, odometer, last_fix_at FROM session_state WHERE id = 1",
	)
	var enabled, moving int
	var odometer float64
	var lastFixAt int64
	if err := row.Scan(&enabled, &moving, &odometer, &lastFixAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	return &track.PersistedState{
		Enabled:   enabled == 1,
		Moving:    moving == 1,
		Odometer:  odometer,
		LastFixAt: fromMillis(lastFixAt),
	}, nil
}
