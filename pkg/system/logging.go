// Package system holds small cross-cutting helpers: the request-scoped
// logger and test logger construction.
package system

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReqLoggerKey is the gin context key for the request-scoped logger.
const ReqLoggerKey = "reqLogger"

// RequestLogger attaches a per-request sugared logger carrying a request id.
// Handlers retrieve it with GetReqLogger so log lines from one request can
// be correlated.
func RequestLogger(base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ReqLoggerKey, base.With("requestID", uuid.NewString()))
		c.Next()
	}
}

// GetReqLogger returns the request-scoped logger, or the fallback when the
// middleware did not run (direct handler tests, background work).
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok := v.(*zap.SugaredLogger); ok {
			return l
		}
	}
	return fallback
}
