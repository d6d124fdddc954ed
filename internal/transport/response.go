// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the governed API surface.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/steward/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrValidation:       http.StatusUnprocessableEntity,
	model.ErrPolicyDenied:     http.StatusForbidden,
	model.ErrInfrastructure:   http.StatusBadGateway,
	model.ErrExpiredContract:  http.StatusGone,
	model.ErrNotFound:         http.StatusNotFound,
	model.ErrConflict:         http.StatusConflict,
	model.ErrUnauthorized:     http.StatusUnauthorized,
	model.ErrInternal:         http.StatusInternalServerError,
	model.ErrJourneyCancelled: http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteBadRequest writes a 400 error response for malformed request bodies.
// Shape errors are 400; semantic validation failures are 422.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, http.StatusBadRequest, errorResponse{
		Error: &model.ErrorEnvelope{Code: model.ErrValidation, Message: msg},
	})
}
