// Package httpapi implements the HTTP surface: the chi router, request
// middleware, and the response envelope every handler writes through.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/collation-ai/vibe-access-plane/internal/apierr"
)

// Metadata accompanies every response, success or failure.
type Metadata struct {
	Database        string `json:"database,omitempty"`
	Schema          string `json:"schema,omitempty"`
	Table           string `json:"table,omitempty"`
	Timestamp       string `json:"timestamp"`
	RequestID       string `json:"requestId"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

func buildMetadata(r *http.Request, started time.Time) Metadata {
	return Metadata{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RequestID:       middleware.GetReqID(r.Context()),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
	}
}

// Pagination is attached to list responses that support limit/offset
// paging.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total,omitempty"`
}

type successEnvelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data"`
	Metadata   Metadata    `json:"metadata"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type errorEnvelope struct {
	Success bool            `json:"success"`
	Error   apierr.Response `json:"error"`
	Metadata Metadata       `json:"metadata"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSuccess writes the success arm of the response envelope, optionally
// decorated with database/schema/table context and pagination.
func writeSuccess(w http.ResponseWriter, r *http.Request, started time.Time, status int, data any, decorate func(*Metadata), pagination *Pagination) {
	meta := buildMetadata(r, started)
	if decorate != nil {
		decorate(&meta)
	}
	writeJSON(w, status, successEnvelope{Success: true, Data: data, Metadata: meta, Pagination: pagination})
}

// writeError translates err through apierr.Translate and writes the error
// arm of the envelope. It returns the status code written, so callers can
// fold it into an audit record.
func writeError(w http.ResponseWriter, r *http.Request, started time.Time, err error) int {
	status, body := apierr.Translate(err)
	writeJSON(w, status, errorEnvelope{Success: false, Error: body, Metadata: buildMetadata(r, started)})
	return status
}
