package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glimte/beehive/internal/hive"
	"github.com/glimte/beehive/internal/rabbitmq"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// writeServiceError maps service errors to responses: unknown bees and taken
// names are forbidden, an unreachable broker is unavailable, anything else is an
// internal error.
func writeServiceError(c *gin.Context, err error) {
	var invalid *hive.InvalidBeeError
	switch {
	case errors.As(err, &invalid):
		abortWithError(c, http.StatusForbidden, invalid.Code(), err.Error())
	case errors.Is(err, hive.ErrNameInUse):
		abortWithError(c, http.StatusForbidden, "alreadyInUse", "bee name is already in use")
	case errors.Is(err, rabbitmq.ErrBrokerUnavailable):
		abortWithError(c, http.StatusServiceUnavailable, "serviceUnavailable", "message broker is unavailable")
	default:
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "internalError", "Internal server error occurred")
	}
}
