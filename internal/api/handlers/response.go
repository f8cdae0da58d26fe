package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
)

// Messages shown instead of internal detail.
const (
	unavailableMessage = "validation service unavailable, please retry"
	internalMessage    = "internal server error"
	upstreamMessage    = "upstream service error"
)

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps the error taxonomy onto HTTP. Only caller-facing
// messages are echoed; wrapped causes stay in the logs.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)
	logger := observability.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("Request rejected")
	}
	respondWithError(w, status, message)
}

func errorStatus(err error) (int, string) {
	var appErr *apperrors.AppError
	message := internalMessage
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, message
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, message
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, message
	case apperrors.ErrorTypeUnauthorized:
		return http.StatusUnauthorized, message
	case apperrors.ErrorTypeRateLimited:
		return http.StatusTooManyRequests, message
	case apperrors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable, unavailableMessage
	case apperrors.ErrorTypeExternal:
		return http.StatusBadGateway, upstreamMessage
	default:
		return http.StatusInternalServerError, internalMessage
	}
}
