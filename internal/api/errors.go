package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/model"
	"github.com/aristath/debai/internal/scheduler"
)

// statusFor maps the engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotValid):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrCyclicDependency):
		return http.StatusConflict
	case errors.Is(err, model.ErrPolicyViolation),
		errors.Is(err, model.ErrCapabilityDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, model.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrBackendUnavailable),
		errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	// Path is set on dependency cycles.
	Path []string `json:"path,omitempty"`
	// Execution is set when the rejected work was recorded in the ledger.
	Execution *model.Execution `json:"execution,omitempty"`
}

func respondError(c *gin.Context, err error) {
	resp := errorResponse{Error: err.Error()}
	var cycle *model.CycleError
	if errors.As(err, &cycle) {
		resp.Path = cycle.Path
	}
	c.JSON(statusFor(err), resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}
