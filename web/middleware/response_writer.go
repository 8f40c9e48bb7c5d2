package middleware

import (
	"bytes"

	"github.com/gin-gonic/gin"
)

// responseWriter tees up to maxLoggedBody bytes of the response for the
// access log. Hijack and Flush pass through the embedded writer.
type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (rw *responseWriter) capture(b []byte) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		rw.body.Write(b[:min(room, len(b))])
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.capture(b)
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) WriteString(s string) (int, error) {
	rw.capture([]byte(s))
	return rw.ResponseWriter.WriteString(s)
}
