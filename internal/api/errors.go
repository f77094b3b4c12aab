// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidToken):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "invalid_token"})
	case errors.Is(err, model.ErrOutOfRange):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "out_of_range", Detail: err.Error()})
	case errors.Is(err, model.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_status", Detail: err.Error()})
	case errors.Is(err, model.ErrInvalidTimeFormat):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_time_format", Detail: err.Error()})
	case errors.Is(err, model.ErrPersistenceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "persistence_unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Detail: err.Error()})
	}
}

// writeBadRequest writes a 400 with the given error text.
func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: detail})
}

// writeUnauthorized writes a 401 response.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
}

// writeNotFound writes a 404 response.
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
}
