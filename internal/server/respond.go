package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"dhi/internal/attestation"
	"dhi/internal/sandbox"
	"dhi/internal/types"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// resolveMode defaults an empty mode to balanced and rejects unknown modes
// with 422. The mode enum is part of the API contract.
func resolveMode(w http.ResponseWriter, mode types.Mode) (types.Mode, bool) {
	if mode == "" {
		return types.ModeBalanced, true
	}
	if !mode.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "unknown verification mode: "+string(mode))
		return "", false
	}
	return mode, true
}

// writePipelineError maps infrastructure errors to status codes. Sandbox
// backpressure is 503 with a Retry-After hint; client cancellation is 499.
func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sandbox.ErrSandboxBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, sandbox.ErrSandboxUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, 499, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeManifestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attestation.ErrManifestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, attestation.ErrDigestMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
