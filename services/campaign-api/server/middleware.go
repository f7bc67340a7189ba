package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Mutter0815/mailcast/pkg/logx"
	"github.com/Mutter0815/mailcast/pkg/metrics"
)

const actorKey = "actor_id"

const requestIDHeader = "X-Request-ID"

// routeLabel keeps metric cardinality bounded to registered routes.
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// Observability tags each request with an id, records API metrics and writes one access line.
// Server errors are logged at error level, client errors at warn.
func Observability() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		c.Set("request_id", reqID)

		c.Next()

		elapsed := time.Since(begin).Seconds()
		code := c.Writer.Status()
		route := routeLabel(c)
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(code)).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed)

		kv := []any{
			"request_id", reqID,
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"bytes", c.Writer.Size(),
			"seconds", elapsed,
		}
		if actor := c.GetInt64(actorKey); actor != 0 {
			kv = append(kv, "actor_id", actor)
		}
		switch {
		case code >= http.StatusInternalServerError:
			logx.L().Errorw("http_access", kv...)
		case code >= http.StatusBadRequest:
			logx.L().Warnw("http_access", kv...)
		default:
			logx.L().Infow("http_access", kv...)
		}
	}
}

// RequireActor reads the authenticated actor id set by the upstream gateway.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader("X-Actor-ID"), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid X-Actor-ID"})
			return
		}
		c.Set(actorKey, id)
		c.Next()
	}
}

func actorID(c *gin.Context) int64 { return c.GetInt64(actorKey) }
