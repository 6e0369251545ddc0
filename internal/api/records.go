package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/security"
	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/units"
)

// exportPageSize is the store page size used when streaming CSV exports.
const exportPageSize = 500

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.listRecords(w, r)
	case http.MethodDelete:
		s.destroyRecords(w)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// parseRecordQuery maps the shared record filter params (from, to, type,
// sync_status, page, page_size) onto store query options.
func parseRecordQuery(r *http.Request) (store.QueryOptions, error) {
	var opts store.QueryOptions
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid 'from' parameter: %v", err)
		}
		opts.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid 'to' parameter: %v", err)
		}
		opts.To = t
	}
	if v := q.Get("type"); v != "" {
		if v != store.TypeLocation && v != store.TypeGeofence {
			return opts, fmt.Errorf("invalid 'type' parameter: %q", v)
		}
		opts.Type = v
	}
	if v := q.Get("sync_status"); v != "" {
		switch v {
		case store.SyncAll, store.SyncPending, store.SyncSynced:
			opts.SyncStatus = v
		default:
			return opts, fmt.Errorf("invalid 'sync_status' parameter: %q", v)
		}
	}
	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return opts, fmt.Errorf("invalid 'page' parameter")
		}
		opts.Page = page
	}
	if v := q.Get("page_size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			return opts, fmt.Errorf("invalid 'page_size' parameter")
		}
		opts.PageSize = size
	}
	return opts, nil
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	opts, err := parseRecordQuery(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.store.Query(opts)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve records: %v", err))
		return
	}

	// Speeds leave the store in m/s.
	for i := range res.Data {
		res.Data[i].Speed = units.ConvertSpeed(res.Data[i].Speed, s.units)
	}

	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write records")
		return
	}
}

func (s *Server) destroyRecords(w http.ResponseWriter) {
	n, err := s.store.DestroyRecords()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to destroy records: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]int64{"destroyed": n})
}

// exportRecords streams the filtered record set as a CSV attachment, newest
// first, paging through the store so the full set never sits in memory.
func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	opts, err := parseRecordQuery(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Page = 1
	if opts.PageSize == 0 {
		opts.PageSize = exportPageSize
	}

	name := r.URL.Query().Get("filename")
	if name == "" {
		name = fmt.Sprintf("tracelet_records_%s", time.Now().UTC().Format("20060102T150405Z"))
	}
	filename := security.SanitizeFilename(name) + ".csv"

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	cw := csv.NewWriter(w)
	header := []string{
		"id", "type", "event", "latitude", "longitude", "altitude",
		"accuracy", "speed_" + s.units, "heading", "provider", "is_moving",
		"odometer_m", "region_id", "recorded_at", "synced", "batch_id",
	}
	if err := cw.Write(header); err != nil {
		monitoring.Logf("api: export header write: %v", err)
		return
	}

	for {
		res, err := s.store.Query(opts)
		if err != nil {
			// Headers are committed; all we can do is stop the stream.
			monitoring.Logf("api: export query: %v", err)
			return
		}
		for _, rec := range res.Data {
			row := []string{
				strconv.FormatInt(rec.ID, 10),
				rec.Type,
				rec.Event,
				strconv.FormatFloat(rec.Latitude, 'f', -1, 64),
				strconv.FormatFloat(rec.Longitude, 'f', -1, 64),
				strconv.FormatFloat(rec.Altitude, 'f', -1, 64),
				strconv.FormatFloat(rec.Accuracy, 'f', -1, 64),
				strconv.FormatFloat(units.ConvertSpeed(rec.Speed, s.units), 'f', -1, 64),
				strconv.FormatFloat(rec.Heading, 'f', -1, 64),
				rec.Provider,
				strconv.FormatBool(rec.IsMoving),
				strconv.FormatFloat(rec.Odometer, 'f', -1, 64),
				rec.RegionID,
				rec.RecordedAt.UTC().Format(time.RFC3339),
				strconv.FormatBool(rec.Synced),
				rec.BatchID,
			}
			if err := cw.Write(row); err != nil {
				monitoring.Logf("api: export row write: %v", err)
				return
			}
		}
		if opts.Page*res.PageSize >= res.Total {
			break
		}
		opts.Page++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		monitoring.Logf("api: export flush: %v", err)
	}
}
