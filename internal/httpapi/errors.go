package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/engine"
)

const (
	msgTransient = "temporarily unavailable, please try again"
	msgInternal  = "internal error"
)

var notFoundReasons = map[string]bool{
	apperr.ReasonJobNotFound:     true,
	apperr.ReasonSessionNotFound: true,
}

// statusFor maps an engine error to an HTTP status and a body safe to show
// the user. Invariant and unknown errors never expose their detail.
func statusFor(err error) (int, gin.H) {
	var rej *apperr.Rejection
	switch {
	case errors.As(err, &rej):
		status := http.StatusConflict
		if notFoundReasons[rej.Code] {
			status = http.StatusNotFound
		}
		return status, gin.H{"error": rej.Message, "reasonCode": rej.Code}
	case errors.Is(err, engine.ErrUnauthenticated):
		return http.StatusUnauthorized, gin.H{"error": "unauthenticated"}
	case apperr.IsTransient(err):
		return http.StatusServiceUnavailable, gin.H{"error": msgTransient}
	}
	return http.StatusInternalServerError, gin.H{"error": msgInternal}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := statusFor(err)
	switch {
	case apperr.IsInvariant(err):
		h.log.Error("invariant violation", zap.String("path", c.FullPath()),
			zap.Bool("operator_attention", true), zap.Error(err))
	case status >= http.StatusInternalServerError:
		h.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
