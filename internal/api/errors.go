package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/types"
)

// ValidationData is the data of a VALIDATION_ERROR envelope
type ValidationData struct {
	Message string `json:"message"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondSuccess wraps data in the E000 envelope
func respondSuccess(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, types.ResponseDto{
		Code:    types.CodeSuccessful,
		Message: types.MessageSuccessful,
		Data:    data,
	})
}

// respondValidation rejects the request with a 422 VALIDATION_ERROR envelope
func respondValidation(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusUnprocessableEntity, types.ResponseDto{
		Code:    types.CodeWrong,
		Message: types.MessageValidationError,
		Data:    ValidationData{Message: message},
	})
}

// respondError maps err onto the envelope. Validation errors keep their
// message; anything else is logged and reported as WRONG.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *apperrors.CategorizedError
	if errors.As(err, &ce) && ce.Category == apperrors.CategoryValidation {
		respondValidation(w, ce.Message)
		return
	}

	logging.FromContext(r.Context()).WithError(err).Error("request failed")
	respondJSON(w, apperrors.GetHTTPStatusCode(err), types.ResponseDto{
		Code:    types.CodeWrong,
		Message: types.MessageWrong,
	})
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
