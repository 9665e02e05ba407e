package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirolink/kiro-gateway/internal/pool"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

// dispatchStatus maps a dispatch failure to the status and message the
// client sees. The pool surfaces terminal outcomes as DispatchError; an
// empty eligibility snapshot becomes 503.
func dispatchStatus(err error) (int, string) {
	if errors.Is(err, pool.ErrNoHealthyAccounts) {
		return http.StatusServiceUnavailable, "No healthy accounts available"
	}
	var dispatchErr *pool.DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Status, dispatchErr.Message
	}
	if errors.Is(err, kirotranslator.ErrNoMessages) {
		return http.StatusBadRequest, kirotranslator.ErrNoMessages.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// errorType maps a status to the protocol error type string. Both response
// families use the same vocabulary.
func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusServiceUnavailable:
		return "overloaded_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func writeOpenAIError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{"message": message, "type": errorType(status)},
	})
}

func writeAnthropicError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"type":  "error",
		"error": gin.H{"type": errorType(status), "message": message},
	})
}
