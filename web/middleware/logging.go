package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/alihesham01/chronizer/util"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const maxLoggedBody = 1024

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	debugEnabled bool
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.lg = lg
	}
}

// WithDebugEnabled adds request and response bodies to the access log.
func WithDebugEnabled(debugEnabled bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.debugEnabled = debugEnabled
	}
}

// WithExcludePaths skips logging for exact path matches. Upgraded websocket
// routes belong here since their lifetime is the connection's.
func WithExcludePaths(excludePaths ...string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = append(o.excludePaths, excludePaths...)
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg: zap.L(),
	}
}

func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, _ := util.CorrelationIdFromCtx(c.Request.Context())
		startTime := time.Now()

		var requestBody []byte
		var rw *responseWriter
		if cfg.debugEnabled {
			if c.Request.Body != nil {
				requestBody, _ = io.ReadAll(c.Request.Body)
				c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			}
			rw = &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
			c.Writer = rw
		}

		c.Next()

		fields := []zap.Field{
			zap.String("correlation_id", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if rw != nil {
			if len(requestBody) > maxLoggedBody {
				requestBody = requestBody[:maxLoggedBody]
			}
			fields = append(fields,
				zap.Any("query", c.Request.URL.Query()),
				zap.ByteString("request_body", requestBody),
				zap.ByteString("response_body", rw.body.Bytes()),
			)
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			cfg.lg.Error("http request", fields...)
		case status >= 400:
			cfg.lg.Warn("http request", fields...)
		default:
			cfg.lg.Info("http request", fields...)
		}
	}
}
