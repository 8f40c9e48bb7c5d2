package middleware

import (
	"github.com/alihesham01/chronizer/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	CorrelationIdKey string = "X-CORRELATION-ID"
	SubmitterKey     string = "X-SUBMITTER"
)

// CorrelationIdMiddleware reuses the caller's correlation id when present and
// records the submitter header for job metadata.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdKey)
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		c.Header(CorrelationIdKey, correlationId)
		ctx := util.CorrelationIdToCtx(c.Request.Context(), correlationId)
		if submitter := c.GetHeader(SubmitterKey); submitter != "" {
			ctx = util.SubmitterToCtx(ctx, submitter)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
