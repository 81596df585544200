package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medofficehq/automation/pkg/automation"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/common/models"
	"github.com/medofficehq/automation/pkg/gateway/httpclient"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := models.ErrorResponse{Error: message}
	if err != nil {
		body.Detail = err.Error()
	}
	respondJSON(w, status, body)
}

// statusFor maps domain and upstream errors onto response codes.
func statusFor(err error) int {
	var apiErr *httpclient.APIError
	switch {
	case automation.IsValidationError(err):
		return http.StatusBadRequest
	case automation.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, automation.ErrRunInProgress), errors.Is(err, automation.ErrNothingToRollback):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case automation.IsSubmissionError(err), errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Log.WithError(err).WithField("status", status).Error("automation request failed")
	}
	respondError(w, status, http.StatusText(status), err)
}
