package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/glimpse/internal/service/sandbox"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps sandbox errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sandbox.ErrInvalidArchive):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sandbox.ErrUnsupportedProject):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, sandbox.ErrAlreadyRunning),
		errors.Is(err, sandbox.ErrNotRunning),
		errors.Is(err, sandbox.ErrNotStartable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrPortExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
