package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to write response: %v", err)
	}
}

// writeError maps the error kind to a status code
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err), errors.Is(err, apperr.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrTransient):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("decode request", "invalid request body: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
