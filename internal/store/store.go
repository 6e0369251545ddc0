// Package store persists tracking records, geofence definitions and the
// session state blob in a local sqlite database, bounded by the retention
// configuration. Record timestamps are stored as unix milliseconds.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
)

// Record type discriminators.
const (
	TypeLocation = "location"
	TypeGeofence = "geofence"
)

// defaultPruneInterval is how often the retention worker wakes without a
// nudge.
const defaultPruneInterval = 5 * time.Minute

// Options tunes a Store. Zero values select the real clock, unregistered
// metrics and the default prune interval.
type Options struct {
	Clock         timeutil.Clock
	Metrics       *monitoring.Metrics
	PruneInterval time.Duration
}

// Store wraps the sqlite database. It implements track.Recorder for the
// session and serves batch/query/prune operations for the uplink and the
// API. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	path    string
	clock   timeutil.Clock
	metrics *monitoring.Metrics

	mu        sync.Mutex
	retention config.RetentionConfig

	pruneInterval time.Duration
	pruneCh       chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// openDatabase opens a sqlite handle with the store's connection pragmas.
// A single connection sidesteps SQLITE_BUSY between the session loop, the
// uplink and the pruner; WAL keeps readers cheap.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return db, nil
}

// Open opens (creating if needed) the database at path, applies the
// connection pragmas, runs all pending migrations and starts the retention
// worker. Use ":memory:" for an in-memory database in tests.
func Open(path string, opts Options) (*Store, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}

	s := &Store{
		db:            db,
		path:          path,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		pruneInterval: opts.PruneInterval,
		pruneCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	s.updatePendingGauge()
	go s.runPruner()
	return s, nil
}

// OpenForMigration opens the database without running migrations or
// starting the retention worker, for the migrate subcommand to drive the
// schema explicitly.
func OpenForMigration(path string) (*Store, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		path:    path,
		clock:   timeutil.RealClock{},
		metrics: monitoring.NewMetrics(nil),
	}, nil
}

// Close stops the retention worker and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			<-s.doneCh
		}
	})
	return s.db.Close()
}

// DB exposes the underlying handle for the debug surface.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Configure applies new retention settings and nudges the pruner, since a
// tighter cap may make existing records prunable immediately.
func (s *Store) Configure(rc config.RetentionConfig) {
	s.mu.Lock()
	s.retention = rc
	s.mu.Unlock()
	s.NudgePrune()
}

func (s *Store) retentionSnapshot() config.RetentionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retention
}

// persistAllowed applies the persistMode gate for one record type.
func (s *Store) persistAllowed(recType string) bool {
	switch s.retentionSnapshot().GetPersistMode() {
	case config.PersistNone:
		return false
	case config.PersistLocations:
		return recType == TypeLocation
	case config.PersistGeofences:
		return recType == TypeGeofence
	default:
		return true
	}
}

// updatePendingGauge refreshes the pending-records gauge. Failures are
// logged, never propagated; the gauge is advisory.
func (s *Store) updatePendingGauge() {
	n, err := s.CountPending()
	if err != nil {
		monitoring.Debugf("store: pending count: %v", err)
		return
	}
	s.metrics.PendingRecords.Set(float64(n))
}

// toMillis converts a time to the stored unix-millisecond form, mapping the
// zero time to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of toMillis. Stored times come back in UTC.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
