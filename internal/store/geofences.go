package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// SaveRegion upserts a geofence definition. Updating an existing region
// keeps its rowid so ListRegions order stays stable across edits.
func (s *Store) SaveRegion(r track.GeofenceRegion) error {
	metaJSON := []byte("{}")
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode region metadata: %w", err)
		}
		metaJSON = b
	}

	now := toMillis(s.clock.Now())
	_, err := s.db.Exec(`
		INSERT INTO geofences (id, latitude, longitude, radius, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude   = excluded.latitude,
			longitude  = excluded.longitude,
			radius     = excluded.radius,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		r.ID, r.Lat, r.Lon, r.Radius, string(metaJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save region %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRegion removes a geofence definition and reports whether it existed.
func (s *Store) DeleteRegion(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM geofences WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete region %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted region count: %w", err)
	}
	return n > 0, nil
}

// GetRegion returns one geofence definition, or ErrNotFound.
func (s *Store) GetRegion(id string) (*track.GeofenceRegion, error) {
	row := s.db.QueryRow(
		"SELECT id, latitude, longitude, radius, metadata FROM geofences WHERE id = ?",
		id,
	)
	r, err := scanRegion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load region %s: %w", id, err)
	}
	return r, nil
}

// ListRegions returns all geofence definitions in insertion order, which the
// session relies on as a stable tiebreak when picking nearest regions.
func (s *Store) ListRegions() ([]track.GeofenceRegion, error) {
	rows, err := s.db.Query(
		"SELECT id, latitude, longitude, radius, metadata FROM geofences ORDER BY rowid ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var out []track.GeofenceRegion
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate regions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegion(row rowScanner) (*track.GeofenceRegion, error) {
	var r track.GeofenceRegion
	var metaJSON string
	if err := row.Scan(&r.ID, &r.Lat, &r.Lon, &r.Radius, &metaJSON); err != nil {
		return nil, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for region %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
