package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Record is one persisted tracking record. Location records carry the fix
// fields; geofence records additionally carry the region ID and the crossing
// action in Event.
type Record struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	Event      string            `json:"event"`
	Latitude   float64           `json:"latitude"`
	Longitude  float64           `json:"longitude"`
	Altitude   float64           `json:"altitude"`
	Accuracy   float64           `json:"accuracy"`
	Speed      float64           `json:"speed"`
	Heading    float64           `json:"heading"`
	Provider   string            `json:"provider"`
	IsMoving   bool              `json:"is_moving"`
	Odometer   float64           `json:"odometer"`
	RegionID   string            `json:"region_id,omitempty"`
	Extras     map[string]string `json:"extras,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	CreatedAt  time.Time         `json:"created_at"`
	Synced     bool              `json:"synced"`
	SyncedAt   time.Time         `json:"synced_at"`
	BatchID    string            `json:"batch_id,omitempty"`
}

const recordColumns = `
	id, type, event, latitude, longitude, altitude, accuracy, speed, heading,
	provider, is_moving, odometer, region_id, extras, recorded_at, created_at,
	synced, synced_at, batch_id
`

// SaveLocation persists an accepted fix. Returns 0, nil when the persist
// mode excludes location records.
func (s *Store) SaveLocation(rec track.LocationRecord) (int64, error) {
	if !s.persistAllowed(TypeLocation) {
		return 0, nil
	}
	return s.insertRecord(Record{
		Type:       TypeLocation,
		Event:      rec.Event,
		Latitude:   rec.Sample.Lat,
		Longitude:  rec.Sample.Lon,
		Altitude:   rec.Sample.Altitude,
		Accuracy:   rec.Sample.Accuracy,
		Speed:      rec.Sample.Speed,
		Heading:    rec.Sample.Heading,
		Provider:   rec.Sample.Provider,
		IsMoving:   rec.IsMoving,
		Odometer:   rec.Odometer,
		RecordedAt: rec.Sample.Timestamp,
	})
}

// SaveGeofenceEvent persists a membership transition. Returns 0, nil when
// the persist mode excludes geofence records.
func (s *Store) SaveGeofenceEvent(rec track.GeofenceEventRecord) (int64, error) {
	if !s.persistAllowed(TypeGeofence) {
		return 0, nil
	}
	return s.insertRecord(Record{
		Type:       TypeGeofence,
		Event:      string(rec.Event.Action),
		Latitude:   rec.Event.Location.Lat,
		Longitude:  rec.Event.Location.Lon,
		Altitude:   rec.Event.Location.Altitude,
		Accuracy:   rec.Event.Location.Accuracy,
		Speed:      rec.Event.Location.Speed,
		Heading:    rec.Event.Location.Heading,
		Provider:   rec.Event.Location.Provider,
		IsMoving:   rec.IsMoving,
		Odometer:   rec.Odometer,
		RegionID:   rec.Event.RegionID,
		RecordedAt: rec.Event.At,
	})
}

func (s *Store) insertRecord(rec Record) (int64, error) {
	extras := s.retentionSnapshot().Extras
	extrasJSON := []byte("{}")
	if len(extras) > 0 {
		b, err := json.Marshal(extras)
		if err != nil {
			return 0, fmt.Errorf("failed to encode extras: %w", err)
		}
		extrasJSON = b
	}

	res, err := s.db.Exec(`
		INSERT INTO records (
			type, event, latitude, longitude, altitude, accuracy, speed,
			heading, provider, is_moving, odometer, region_id, extras,
			recorded_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Type,
		rec.Event,
		rec.Latitude,
		rec.Longitude,
		rec.Altitude,
		rec.Accuracy,
		rec.Speed,
		rec.Heading,
		rec.Provider,
		boolToInt(rec.IsMoving),
		rec.Odometer,
		rec.RegionID,
		string(extrasJSON),
		toMillis(rec.RecordedAt),
		toMillis(s.clock.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted record id: %w", err)
	}

	s.metrics.RecordsPersisted.Inc()
	s.metrics.PendingRecords.Inc()

	// Retention runs on the worker, so the insert path never waits on it.
	s.NudgePrune()
	return id, nil
}

// Sync status filters for Query.
const (
	SyncAll     = "all"
	SyncPending = "pending"
	SyncSynced  = "synced"
)

// QueryOptions narrows a record query. Zero values mean no filter; Page is
// 1-based.
type QueryOptions struct {
	From       time.Time
	To         time.Time
	Type       string // TypeLocation or TypeGeofence
	SyncStatus string // SyncAll, SyncPending or SyncSynced
	Page       int
	PageSize   int
}

// QueryResult is one page of records plus the unpaged total.
type QueryResult struct {
	Data     []Record `json:"data"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Query returns records newest first, paged.
func (s *Store) Query(opts QueryOptions) (*QueryResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}

	var conds []string
	var args []interface{}
	if !opts.From.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, toMillis(opts.From))
	}
	if !opts.To.IsZero() {
		conds = append(conds, "recorded_at < ?")
		args = append(args, toMillis(opts.To))
	}
	if opts.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, opts.Type)
	}
	switch opts.SyncStatus {
	case SyncPending:
		conds = append(conds, "synced = 0")
	case SyncSynced:
		conds = append(conds, "synced = 1")
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	query := "SELECT " + recordColumns + " FROM records" + where +
		" ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	data, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		Data:     data,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}, nil
}

// NextBatch returns up to limit unsynced records, oldest first, so uploads
// preserve capture order.
func (s *Store) NextBatch(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT "+recordColumns+" FROM records WHERE synced = 0 ORDER BY id ASC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkSynced flags the given records as uploaded under batchID. All rows are
// updated in one transaction so a batch acknowledgment is atomic.
func (s *Store) MarkSynced(ids []int64, batchID string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			monitoring.Logf("store: sync rollback: %v", err)
		}
	}()

	stmt, err := tx.Prepare(
		"UPDATE records SET synced = 1, synced_at = ?, batch_id = ? WHERE id = ?",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare sync update: %w", err)
	}
	defer stmt.Close()

	now := toMillis(s.clock.Now())
	for _, id := range ids {
		if _, err := stmt.Exec(now, batchID, id); err != nil {
			return fmt.Errorf("failed to mark record %d synced: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}

	s.updatePendingGauge()
	return nil
}

// CountPending returns the number of records awaiting sync.
func (s *Store) CountPending() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE synced = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

// Count returns the total number of records.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// DestroyRecords deletes all records and returns how many were removed.
func (s *Store) DestroyRecords() (int64, error) {
	res, err := s.db.Exec("DELETE FROM records")
	if err != nil {
		return 0, fmt.Errorf("failed to destroy records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read destroyed row count: %w", err)
	}
	s.metrics.PendingRecords.Set(0)
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var isMoving, synced int
		var extrasJSON string
		var recordedAt, createdAt, syncedAt int64
		if err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.Event,
			&rec.Latitude,
			&rec.Longitude,
			&rec.Altitude,
			&rec.Accuracy,
			&rec.Speed,
			&rec.Heading,
			&rec.Provider,
			&isMoving,
			&rec.Odometer,
			&rec.RegionID,
			&extrasJSON,
			&recordedAt,
			&createdAt,
			&synced,
			&syncedAt,
			&rec.BatchID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.IsMoving = isMoving == 1
		rec.Synced = synced == 1
		rec.RecordedAt = fromMillis(recordedAt)
		rec.CreatedAt = fromMillis(createdAt)
		rec.SyncedAt = fromMillis(syncedAt)
		if extrasJSON != "" && extrasJSON != "{}" {
			if err := json.Unmarshal([]byte(extrasJSON), &rec.Extras); err != nil {
				return nil, fmt.Errorf("failed to decode extras for record %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
