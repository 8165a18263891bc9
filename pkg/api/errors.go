package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relayforge/maestro/pkg/dispatch"
	"github.com/relayforge/maestro/pkg/oerr"
	"github.com/relayforge/maestro/pkg/services"
	"github.com/relayforge/maestro/pkg/session"
)

// ErrorBody is the JSON error payload. Every error carries the correlation
// id so users can hand support something to search for.
type ErrorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// mapError maps dispatch- and service-layer errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, dispatch.ErrSessionBusy) {
		return echo.NewHTTPError(http.StatusConflict,
			ErrorBody{Error: "session is busy with another request"})
	}
	if errors.Is(err, services.ErrNotFound) || errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound,
			ErrorBody{Error: "resource not found"})
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest,
			ErrorBody{Error: validErr.Error()})
	}

	var oe *oerr.Error
	if errors.As(err, &oe) {
		status := statusFor(oe.Kind)
		if status == http.StatusInternalServerError {
			slog.Error("Unexpected orchestration error",
				"correlation_id", oe.CorrelationID, "error", err)
			return echo.NewHTTPError(status,
				ErrorBody{Error: "internal server error", CorrelationID: oe.CorrelationID})
		}
		return echo.NewHTTPError(status,
			ErrorBody{Error: oe.Message, CorrelationID: oe.CorrelationID})
	}

	corrID := oerr.CorrelationID(err)
	slog.Error("Unexpected API error", "correlation_id", corrID, "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError,
		ErrorBody{Error: "internal server error", CorrelationID: corrID})
}

func statusFor(kind oerr.Kind) int {
	switch kind {
	case oerr.KindValidation:
		return http.StatusBadRequest
	case oerr.KindAuth:
		return http.StatusUnauthorized
	case oerr.KindBudgetExhausted:
		return http.StatusPaymentRequired
	case oerr.KindNoAccountAvailable, oerr.KindRateLimited:
		return http.StatusTooManyRequests
	case oerr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
