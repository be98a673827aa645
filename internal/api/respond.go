// Package api exposes the status listener: liveness, readiness, metrics,
// governor state and per-run checkpoint listings
package api

import (
	"encoding/json"
	"net/http"

	perr "githarvest/internal/platform/errors"
)

// Envelope is the standard response body for all endpoints
type Envelope struct {
	StatusCode int            `json:"status_code"`
	Status     string         `json:"status"`
	Code       perr.ErrorCode `json:"code,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Data       any            `json:"data,omitempty"`
}

// writeJSON writes v as application/json with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondOK(w http.ResponseWriter, r *http.Request, data any) {
	writeJSON(w, http.StatusOK, Envelope{
		StatusCode: http.StatusOK,
		Status:     http.StatusText(http.StatusOK),
		RequestID:  requestID(r.Context()),
		Data:       data,
	})
}

// respondError maps a project error into an envelope and writes it
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := perr.HTTPStatus(err)
	writeJSON(w, status, Envelope{
		StatusCode: status,
		Status:     http.StatusText(status),
		Code:       perr.CodeOf(err),
		Error:      perr.Root(err).Error(),
		RequestID:  requestID(r.Context()),
	})
}
