package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
)

// errorResponse maps domain errors to HTTP responses.
func (h *Handler) errorResponse(c echo.Context, err error) error {
	var (
		validation *entities.ValidationError
		violation  *entities.PolicyViolation
	)
	switch {
	case errors.As(err, &validation):
		details := map[string]interface{}{}
		if validation.Field != "" {
			details["field"] = validation.Field
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: validation.Error(),
			Details: details,
		})

	case errors.As(err, &violation):
		return c.JSON(violationStatus(violation.Reason), ErrorResponse{
			Error:   string(violation.Reason),
			Message: violation.Error(),
			Details: violationDetails(violation),
		})

	case errors.Is(err, entities.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Resource not found"})

	case errors.Is(err, entities.ErrForbidden):
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden", Message: "Not allowed for this identity"})

	case errors.Is(err, entities.ErrSessionNotActive):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "session_not_active", Message: "Session is not active"})

	case errors.Is(err, entities.ErrInvalidCredentials):
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid_credentials", Message: "Wrong PIN"})
	}

	h.logger.Error("Request failed",
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Internal server error",
	})
}

func violationStatus(reason entities.PolicyReason) int {
	switch reason {
	case entities.ReasonOutsideWindow:
		return http.StatusForbidden
	case entities.ReasonActiveSession:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func violationDetails(v *entities.PolicyViolation) map[string]interface{} {
	details := map[string]interface{}{}
	if v.Category != "" {
		details["category"] = v.Category
	}
	switch v.Reason {
	case entities.ReasonOutsideWindow:
		windows := make([]entities.Interval, len(v.Windows))
		copy(windows, v.Windows)
		details["windows"] = windows
	case entities.ReasonInsufficientBalance:
		details["available"] = v.Available
		details["requested"] = v.Requested
	case entities.ReasonSessionCap:
		details["limit"] = v.Limit
		details["requested"] = v.Requested
	case entities.ReasonActiveSession:
		if v.SessionID != "" {
			details["session_id"] = v.SessionID
		}
	}
	return details
}
