package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/glucosync/glucosync/internal/application"
	"github.com/glucosync/glucosync/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// ReadingResponse is the JSON representation of one glucose reading.
type ReadingResponse struct {
	Timestamp   string  `json:"timestamp"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Source      string  `json:"source"`
	DeviceLabel string  `json:"device_label,omitempty"`
}

// ReadingListResponse wraps a range query result.
type ReadingListResponse struct {
	Readings []ReadingResponse `json:"readings"`
	Count    int               `json:"count"`
}

// SyncStateResponse is the JSON representation of the coordinator state.
type SyncStateResponse struct {
	Active            bool   `json:"active"`
	StartedAt         string `json:"started_at,omitempty"`
	LastSyncAt        string `json:"last_sync_at,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	ConnectionLost    bool   `json:"connection_lost"`
}

func toReadingResponse(r model.Reading) ReadingResponse {
	return ReadingResponse{
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339),
		Value:       r.Value,
		Unit:        "mg/dL",
		Source:      string(r.Source),
		DeviceLabel: r.DeviceLabel,
	}
}

func toSyncStateResponse(s application.SyncState) SyncStateResponse {
	resp := SyncStateResponse{
		Active:            s.Active,
		ConsecutiveErrors: s.ConsecutiveErrors,
		ConnectionLost:    s.ConnectionLost,
	}
	if !s.StartedAt.IsZero() {
		resp.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
	}
	if !s.LastSyncAt.IsZero() {
		resp.LastSyncAt = s.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return resp
}
