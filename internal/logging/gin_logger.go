package logging

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var sensitiveQueryParams = []string{"key", "api_key", "token", "access_token"}

// GinLogrusLogger returns middleware that logs one line per request through
// logrus: request ID, status, latency, client IP, method, path, and the
// requested model when the body carries one. The request ID is echoed back
// in the X-Request-Id response header.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := maskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := strings.TrimSpace(c.Request.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()[:8]
		}
		c.Writer.Header().Set("X-Request-Id", requestID)

		model := modelFromRequest(c)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		status := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		fields := log.Fields{
			"request_id": requestID,
			"status":     status,
			"latency":    latency,
			"client_ip":  clientIP,
			"method":     method,
			"path":       path,
		}
		if model != "" {
			fields["model"] = model
		}

		line := fmt.Sprintf("%s | %3d | %13v | %s | %s %s", requestID, status, latency, clientIP, method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			fields["error"] = errorMessage
			line += " | " + errorMessage
		}

		entry := log.WithFields(fields)
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

// GinLogrusRecovery converts panics into 500 responses, logging the stack.
// http.ErrAbortHandler passes through so aborted streams close without a
// stack dump.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			panic(http.ErrAbortHandler)
		}
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// modelFromRequest peeks at the JSON body of completion requests for the
// "model" field, restoring the body for downstream handlers.
func modelFromRequest(c *gin.Context) string {
	if c.Request.Method != http.MethodPost || !strings.HasPrefix(c.Request.URL.Path, "/v1/") {
		return ""
	}
	if c.Request.Body == nil {
		return ""
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if result := gjson.GetBytes(body, "model"); result.Type == gjson.String {
		return result.String()
	}
	return ""
}

// maskSensitiveQuery hides credential-bearing query values in log output.
func maskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	changed := false
	for _, param := range sensitiveQueryParams {
		if values.Has(param) {
			values.Set(param, "***")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}
