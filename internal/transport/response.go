// Package transport serves the operational HTTP surface of the engine:
// liveness, readiness and metrics.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/flowengine/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrInvalidState:    http.StatusConflict,
	model.ErrHandlerFailed:   http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Errors that carry no
// ErrorEnvelope map to 500.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope. Anything that is not already
// an envelope is reported as a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}
