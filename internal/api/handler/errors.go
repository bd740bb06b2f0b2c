package handler

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/intake"
)

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTransitionRejected),
		errors.Is(err, domain.ErrAlreadyPending),
		errors.Is(err, intake.ErrNotRetryable),
		errors.Is(err, intake.ErrSubmitInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError hides the cause of internal errors from the client and reports
// them to Sentry instead
func writeError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	body := gin.H{"error": msg}
	if status != http.StatusInternalServerError {
		body["details"] = err.Error()
	} else {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("route", c.FullPath())
			scope.SetExtra("request_id", c.GetString("request_id"))
			sentry.CaptureException(err)
		})
	}
	c.JSON(status, body)
}
