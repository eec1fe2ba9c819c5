package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/types"
)

// StatusFor maps an error code to the HTTP status returned for it.
func StatusFor(code string) int {
	switch code {
	case types.ErrPaymentNotFound, types.ErrRequirementNotFound:
		return http.StatusNotFound
	}

	switch types.ClassOf(code) {
	case types.ClassMalformed:
		return http.StatusBadRequest
	case types.ClassAuthorization, types.ClassTransfer:
		return http.StatusPaymentRequired
	case types.ClassConflict:
		return http.StatusConflict
	case types.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StatusForResult maps a failed verification or settlement to its HTTP status.
// SETTLEMENT_FAILED only says which stage failed, so the wrapped reason decides.
func StatusForResult(code, reason string) int {
	if code == types.ErrSettlementFailed && reason != "" {
		return StatusFor(reason)
	}
	return StatusFor(code)
}

// correlationID reuses the request id when there is one.
func correlationID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}

// abort writes an error body for code. Server side failures only expose a
// generic message and a correlation id; the detail goes to the log.
func abort(c *gin.Context, log logger.Logger, code, message string, extra gin.H) {
	respond(c, log, StatusFor(code), code, message, extra)
}

func respond(c *gin.Context, log logger.Logger, status int, code, message string, extra gin.H) {
	body := gin.H{"error": code, "message": message}

	if status >= http.StatusInternalServerError {
		id := correlationID(c)
		log.Error("request failed", map[string]any{
			"correlationId": id,
			"path":          c.FullPath(),
			"code":          code,
			"message":       message,
		})

		body["message"] = "internal error"
		if status == http.StatusServiceUnavailable {
			body["message"] = "temporarily unavailable, retry later"
		}
		body["correlationId"] = id
	} else {
		for k, v := range extra {
			body[k] = v
		}
	}

	c.AbortWithStatusJSON(status, body)
}

func abortWithError(c *gin.Context, log logger.Logger, err error, extra gin.H) {
	message := err.Error()
	if xe, ok := types.AsError(err); ok {
		message = xe.Message
	}
	abort(c, log, types.CodeOf(err), message, extra)
}
