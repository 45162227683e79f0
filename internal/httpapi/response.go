package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"groundedqa/internal/domain"
	"groundedqa/internal/service"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: message, Code: code}})
}

// respondServiceError maps pipeline errors to a status and the user-facing
// message.
func respondServiceError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status, code = 499, "cancelled"
	case errors.Is(err, domain.ErrEmbeddingService), errors.Is(err, domain.ErrGenerationService):
		status, code = http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, domain.ErrDimensionMismatch), errors.Is(err, domain.ErrIndexCorruption):
		status, code = http.StatusConflict, "index_unusable"
	}
	RespondError(c, status, code, service.UserMessage(err))
}
