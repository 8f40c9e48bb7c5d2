package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alihesham01/chronizer/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCorrelationIdMiddleware(t *testing.T) {
	var seen, submitter string
	r := gin.New()
	r.Use(CorrelationIdMiddleware())
	r.GET("/", func(c *gin.Context) {
		seen, _ = util.CorrelationIdFromCtx(c.Request.Context())
		submitter, _ = util.SubmitterFromCtx(c.Request.Context())
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIdKey))
	assert.Empty(t, submitter)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIdKey, "upstream-1")
	req.Header.Set(SubmitterKey, "brand-admin")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-1", seen)
	assert.Equal(t, "brand-admin", submitter)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(CorrelationIdMiddleware())
	r.Use(LoggingMiddleware(WithLogger(zap.New(core)), WithDebugEnabled(true), WithExcludePaths("/ws")))
	r.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusCreated, strings.Repeat("x", 2*maxLoggedBody))
	})
	r.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`)))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/echo", fields["path"])
	assert.Equal(t, int64(http.StatusCreated), fields["status"])
	assert.Equal(t, `{"a":1}`, fields["request_body"])
	assert.Len(t, fields["response_body"], maxLoggedBody)
	assert.NotEmpty(t, fields["correlation_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "/missing", entries[1].ContextMap()["path"])
}
