package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		s.listGeofences(w)
	case http.MethodPost:
		s.addGeofence(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listGeofences(w http.ResponseWriter) {
	regions, err := s.session.Geofences()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve geofences: %v", err))
		return
	}
	if regions == nil {
		regions = []track.GeofenceRegion{}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"geofences": regions,
		"count":     len(regions),
	})
}

func (s *Server) addGeofence(w http.ResponseWriter, r *http.Request) {
	var region track.GeofenceRegion
	if err := json.NewDecoder(r.Body).Decode(&region); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if region.ID == "" {
		region.ID = uuid.NewString()
	}

	if err := s.session.AddGeofence(region); err != nil {
		s.writeJSONError(w, geofenceErrorStatus(err),
			fmt.Sprintf("Failed to add geofence: %v", err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(region)
}

// geofenceErrorStatus maps engine error kinds onto HTTP statuses: rejected
// definitions are the caller's fault, store failures are ours.
func geofenceErrorStatus(err error) int {
	var terr *track.Error
	if errors.As(err, &terr) && terr.Kind == track.ErrConfigInvalid {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleGeofenceByID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/geofences/"))
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Geofence id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.showGeofence(w, id)
	case http.MethodDelete:
		s.removeGeofence(w, id)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) showGeofence(w http.ResponseWriter, id string) {
	region, err := s.store.GetRegion(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No geofence with id %q", id))
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve geofence: %v", err))
		return
	}

	json.NewEncoder(w).Encode(region)
}

func (s *Server) removeGeofence(w http.ResponseWriter, id string) {
	found, err := s.session.RemoveGeofence(id)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to remove geofence: %v", err))
		return
	}
	if !found {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("No geofence with id %q", id))
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"removed": id})
}
