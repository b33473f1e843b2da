package middleware

import (
	"strings"
	"time"

	sharedMiddleware "github.com/Tesseract-Nexus/go-shared/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context keys
const (
	RequestIDKey      = "request_id"
	ActorMembershipID = "actor_membership_id"
	PlatformOwnerKey  = "platform_owner"
)

// RequestID middleware generates or extracts correlation IDs for request tracing
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// StructuredLogger middleware logs requests with structured fields
func StructuredLogger(logger *logrus.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		requestID, _ := c.Get(RequestIDKey)
		entry := logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
			"request_id":  requestID,
		})

		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request completed")
		case status >= 400:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

// ActorExtraction reads the acting admin identity forwarded by the gateway.
// X-Membership-ID names the admin membership; platform owners are recognised by the shared middleware.
func ActorExtraction() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-Membership-ID"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				c.Set(ActorMembershipID, id)
			}
		}
		if sharedMiddleware.IsPlatformOwner(c) || strings.EqualFold(c.GetHeader("x-jwt-claim-platform-owner"), "true") {
			c.Set(PlatformOwnerKey, true)
		}
		c.Next()
	}
}

// GetActorMembershipID extracts the acting membership from gin context
func GetActorMembershipID(c *gin.Context) *uuid.UUID {
	if v, exists := c.Get(ActorMembershipID); exists {
		if id, ok := v.(uuid.UUID); ok {
			return &id
		}
	}
	return nil
}

// IsPlatformOwner reports whether the request comes from a platform owner
func IsPlatformOwner(c *gin.Context) bool {
	return c.GetBool(PlatformOwnerKey)
}
