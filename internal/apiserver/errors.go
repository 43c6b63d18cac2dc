package apiserver

import (
	"errors"
	"net/http"

	"sandboxrunner/internal/ioworkspace"
	"sandboxrunner/internal/logging"
	"sandboxrunner/internal/runners"
	"github.com/gin-gonic/gin"
)

// writeRunnerError maps a runner-raised error to an HTTP status per the
// batch error taxonomy: malformed requests are 400, everything else
// (container launch failure, an unexpected runtime error) is 500.
func writeRunnerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var badReq runners.ErrBadRequest
	switch {
	case errors.Is(err, ioworkspace.ErrInvalidEncoding):
		status = http.StatusBadRequest
	case errors.Is(err, ioworkspace.ErrUnsafeSource):
		status = http.StatusBadRequest
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	}

	logging.S().Warnw("execute request failed", "path", c.FullPath(), "status", status, "error", err)
	c.JSON(status, errorResponse{Message: err.Error()})
}
