package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// Simulated source inputs for the debug surface. Each route pushes one event
// into the session intake exactly the way a real platform source would, so a
// full engine can be driven from curl or a test script without hardware.

func (s *Server) inputLocation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var sample track.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if sample.Provider == "" {
		sample.Provider = "manual"
	}

	s.session.OnLocation(sample)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) inputActivity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var ev track.ActivityEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	switch ev.Type {
	case track.ActivityStill, track.ActivityWalking, track.ActivityRunning,
		track.ActivityOnBicycle, track.ActivityInVehicle, track.ActivityUnknown:
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid activity type: %q", ev.Type))
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.session.OnActivity(ev)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) inputAccel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		X  float64   `json:"x"`
		Y  float64   `json:"y"`
		Z  float64   `json:"z"`
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.At.IsZero() {
		body.At = time.Now()
	}

	s.session.OnAccel(track.AccelSample{X: body.X, Y: body.Y, Z: body.Z, At: body.At})
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (s *Server) inputConnectivity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Transport string `json:"transport"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	var transport track.Transport
	switch body.Transport {
	case "wifi":
		transport = track.TransportWifi
	case "cellular":
		transport = track.TransportCellular
	case "none":
		transport = track.TransportNone
	default:
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid transport: %q", body.Transport))
		return
	}

	s.session.OnConnectivity(transport)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// inputGeofence injects a native monitor edge, the path taken when the
// platform reports a region crossing while the app is not processing fixes.
func (s *Server) inputGeofence(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		RegionID string `json:"region_id"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.RegionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "region_id is required")
		return
	}

	action := track.GeofenceAction(body.Action)
	switch action {
	case track.GeofenceEnter, track.GeofenceDwell, track.GeofenceExit:
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid action: %q", body.Action))
		return
	}

	s.session.OnNativeGeofence(body.RegionID, action)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
