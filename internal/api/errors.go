package api

import (
	"encoding/json"
	"net/http"

	"github.com/defi-aggregator/internal/errors"
	"github.com/defi-aggregator/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondCategorizedError maps a service-layer error onto an HTTP response
func respondCategorizedError(w http.ResponseWriter, err error) {
	categorized := errors.Categorize(err)
	svcErr := categorized.ToServiceError()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.GetHTTPStatusCode(err))
	json.NewEncoder(w).Encode(ErrorResponse{Error: *svcErr})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
