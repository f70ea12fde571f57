package sentry

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

// GinMiddleware attaches a per-request Sentry hub to the request context,
// reports panics, and reports the last gin error of a 5xx response. A 5xx
// response with no error recorded on the gin context is not reported.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		hub := sentry.CurrentHub().Clone()
		ctx := sentry.SetHubOnContext(c.Request.Context(), hub)
		c.Request = c.Request.WithContext(ctx)

		hub.Scope().SetTag("http.path", c.FullPath())
		hub.Scope().SetTag("http.method", c.Request.Method)

		defer func() {
			if r := recover(); r != nil {
				hub.RecoverWithContext(ctx, r)
				c.AbortWithStatusJSON(500, gin.H{"error": "Internal Server Error"})
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && c.Writer.Status() >= 500 {
			hub.CaptureException(c.Errors.Last().Err)
		}
	}
}

// HubFromContext returns the Sentry hub attached by GinMiddleware, or the
// current global hub if none was attached.
func HubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}
