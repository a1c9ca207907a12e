package api

import (
	"encoding/json"
	"net/http"

	"github.com/ernie/mcgate/internal/domain"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Server *domain.ServerStatus `json:"server"`
	Label  string               `json:"label"`
}

// handleGetStatus returns the last polled server status
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	status, label := r.status.Snapshot()
	if status == nil {
		writeError(w, http.StatusServiceUnavailable, "no status yet")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Server: status, Label: label})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
