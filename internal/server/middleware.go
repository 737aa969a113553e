package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labfoundry/chargeback/internal/actorcontext"
	"go.uber.org/zap"
)

const (
	HeaderActorID       = "X-Actor-ID"
	HeaderActorUsername = "X-Actor-Username"
)

// ActorMiddleware lifts the acting user into the request context. The
// surrounding deployment authenticates requests; this service only needs to
// know who the gateway says is acting.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID != "" {
			ctx := actorcontext.WithActor(c.Request.Context(), actorcontext.Actor{
				ID:       actorID,
				Username: strings.TrimSpace(c.GetHeader(HeaderActorUsername)),
			})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		if c.Writer.Status() >= 500 {
			log.Error("request", fields...)
		} else {
			log.Info("request", fields...)
		}
	}
}

// UsageRateLimit throttles the ingest endpoint per organization. Redis
// being down fails open so billing never blocks on the limiter.
func (s *Server) UsageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		orgID := strings.TrimSpace(c.GetHeader("X-Org-ID"))
		if orgID == "" {
			orgID = c.ClientIP()
		}

		allowed, err := s.limiter.AllowOrg(c.Request.Context(), orgID)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			if s.metrics != nil {
				s.metrics.RateLimitDenied.Inc()
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
