package handlers

import (
	"errors"
	"net/http"

	"github.com/buildplane/backend/repositories"
	"github.com/buildplane/backend/utils"
	"go.uber.org/zap"
)

// HandleRepositoryError maps data-layer errors to HTTP responses.
// Following the thin handler pattern: handlers never branch on SQL
// details themselves.
func HandleRepositoryError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, repositories.ErrProfileNotFound):
		if err := utils.WriteNotFound(w, "not found"); err != nil {
			logger.Error("failed to write not found response", zap.Error(err))
		}
	default:
		logger.Error("repository error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
