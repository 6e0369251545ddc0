// Package api exposes the tracking engine over HTTP: session state, record
// queries and export, sync and prune triggers, runtime reconfiguration,
// geofence CRUD and daily rollups. With debug enabled it also serves
// simulated source inputs and an echarts view of recent movement.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
	"github.com/Ikolvi/Tracelet-sub001/internal/units"
	"github.com/Ikolvi/Tracelet-sub001/internal/uplink"
)

// ANSI escape codes for request log coloring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires the server to the engine. Session and Store are required.
// Sync may be nil when no upload endpoint is configured and Registry may be
// nil to skip the /metrics route.
type Options struct {
	Session  *track.Session
	Store    *store.Store
	Sync     *uplink.Pipeline
	Registry prometheus.Gatherer

	// Units selects the speed units in API responses: mps, mph, kmph,
	// kph or knots. The store always keeps m/s.
	Units string

	// Debug exposes the simulated input and chart routes.
	Debug bool
}

// Server is the HTTP control surface for one tracking engine instance.
type Server struct {
	session  *track.Session
	store    *store.Store
	sync     *uplink.Pipeline
	registry prometheus.Gatherer
	units    string
	debug    bool
}

// NewServer builds the control surface. Invalid or empty units fall back
// to m/s.
func NewServer(opts Options) *Server {
	if !units.IsValid(opts.Units) {
		opts.Units = units.MPS
	}
	return &Server{
		session:  opts.Session,
		store:    opts.Store,
		sync:     opts.Sync,
		registry: opts.Registry,
		units:    opts.Units,
		debug:    opts.Debug,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table. Debug routes are absent unless the
// server was built with Debug set.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/api/records/export", s.exportRecords)
	mux.HandleFunc("/api/sync", s.syncNow)
	mux.HandleFunc("/api/prune", s.pruneNow)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/geofences", s.handleGeofences)
	mux.HandleFunc("/api/geofences/", s.handleGeofenceByID)
	mux.HandleFunc("/api/stats", s.showDailyStats)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.debug {
		mux.HandleFunc("/api/input/location", s.inputLocation)
		mux.HandleFunc("/api/input/activity", s.inputActivity)
		mux.HandleFunc("/api/input/accel", s.inputAccel)
		mux.HandleFunc("/api/input/connectivity", s.inputConnectivity)
		mux.HandleFunc("/api/input/geofence", s.inputGeofence)
		mux.HandleFunc("/api/charts/movement", s.showMovementChart)
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// stateAPI overrides the snapshot's numeric lifecycle enum with its string
// form for JSON consumers.
type stateAPI struct {
	track.Snapshot
	State string `json:"state"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.session.Snapshot()
	if err := json.NewEncoder(w).Encode(stateAPI{Snapshot: snap, State: snap.State.String()}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write state")
		return
	}
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.session.SyncNow(); err != nil {
		s.writeJSONError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Failed to trigger sync: %v", err))
		return
	}

	pending, err := s.store.CountPending()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to count pending records: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "draining",
		"pending": pending,
	})
}

func (s *Server) pruneNow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	res, err := s.store.Prune(r.Context())
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to prune records: %v", err))
		return
	}

	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.showConfig(w)
	case http.MethodPost:
		s.applyConfig(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) showConfig(w http.ResponseWriter) {
	cfg := s.session.Config()
	if cfg == nil {
		cfg = config.Default()
	}

	resp := map[string]interface{}{
		"units":  s.units,
		"config": cfg,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

// applyConfig validates and installs a full tracking config. The sync
// pipeline picks the new sync settings up on its next drain.
func (s *Server) applyConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.TrackingConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := s.session.Reconfigure(&cfg); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid config: %v", err))
		return
	}
	if s.sync != nil {
		s.sync.Configure(cfg.Sync)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "applied",
		"config": s.session.Config(),
	})
}

// dailyStatAPI mirrors store.DailyRollup with speeds converted to the
// configured display units. Without it the response would leak the store's
// m/s fields under misleading names.
type dailyStatAPI struct {
	Date      string  `json:"date"`
	Records   int     `json:"records"`
	DistanceM float64 `json:"distance_m"`
	AvgSpeed  float64 `json:"avg_speed"`
	P85Speed  float64 `json:"p85_speed"`
	MaxSpeed  float64 `json:"max_speed"`
}

func (s *Server) showDailyStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	days := 7 // default value
	if d := r.URL.Query().Get("days"); d != "" {
		parsedDays, err := strconv.Atoi(d)
		if err != nil || parsedDays < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
			return
		}
		days = parsedDays
	}

	rollups, err := s.store.DailyStats(r.Context(), days)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve daily stats: %v", err))
		return
	}

	stats := make([]dailyStatAPI, len(rollups))
	for i, d := range rollups {
		stats[i] = dailyStatAPI{
			Date:      d.Date,
			Records:   d.Records,
			DistanceM: d.DistanceM,
			AvgSpeed:  units.ConvertSpeed(d.AvgSpeedMps, s.units),
			P85Speed:  units.ConvertSpeed(d.P85SpeedMps, s.units),
			MaxSpeed:  units.ConvertSpeed(d.MaxSpeedMps, s.units),
		}
	}

	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"units": s.units,
		"stats": stats,
	}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write daily stats")
		return
	}
}
