package api

import (
	"errors"
	"net/http"

	"github.com/windsim/simrunner/internal/joblog"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/service"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// respondErr maps the errors of the supervisor to a status code.
func respondErr(c *gin.Context, err error) {
	var (
		conflict *model.ConflictError
		spawn    *model.SpawnError
	)
	switch {
	case errors.Is(err, model.ErrInvalidJobID):
		respondError(c, http.StatusBadRequest, "invalid_case_id", err)
	case errors.Is(err, model.ErrCaseNotFound):
		respondError(c, http.StatusNotFound, "case_not_found", err)
	case errors.Is(err, joblog.ErrNoLog):
		respondError(c, http.StatusNotFound, "log_not_found", err)
	case errors.As(err, &conflict):
		respondError(c, http.StatusConflict, "conflict", err)
	case errors.As(err, &spawn):
		respondError(c, http.StatusInternalServerError, "spawn_failed", err)
	case errors.Is(err, service.ErrClosed):
		respondError(c, http.StatusServiceUnavailable, "shutting_down", err)
	default:
		respondError(c, http.StatusInternalServerError, "internal", err)
	}
}
