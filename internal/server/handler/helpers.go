// Package handler implements the HTTP handlers for the relay API: the
// authenticated device exchange and the operator administration surface.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error to its HTTP status and writes the
// response. Messages are intentionally generic on the authentication
// statuses so a probing client learns nothing about which check failed
// beyond the class of rejection.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMalformedRequest),
		errors.Is(err, domain.ErrStaleTimestamp):
		writeError(w, http.StatusBadRequest, "malformed request")
	case errors.Is(err, domain.ErrBadSignature),
		errors.Is(err, domain.ErrReplayedNonce),
		errors.Is(err, domain.ErrDeviceRevoked):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, domain.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrDuplicateAck),
		errors.Is(err, domain.ErrCommandSettled),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "conflict")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody unmarshals the request body into dst, reporting malformed JSON
// as a domain.ErrMalformedRequest so handlers map it to 400 uniformly.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrMalformedRequest
	}
	return nil
}

// parseSince extracts an optional RFC3339 "since" query parameter.
func parseSince(r *http.Request) (*time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, domain.ErrMalformedRequest
	}
	return &ts, nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
