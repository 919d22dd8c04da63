package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/config"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// CORSMiddleware allows the configured origins. A "*" entry allows any
// origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}

	return cors.New(corsConfig)
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// RequestIDMiddleware adds a unique request ID to each request and carries
// it, with the caller's correlation ID, in the request context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Header("X-Correlation-ID", correlationID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware logs every request as a structured entry
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if operator := c.GetString("operator"); operator != "" {
			entry = entry.WithField("operator", operator)
		}
		if c.Writer.Status() >= 500 {
			entry.Error("HTTP request")
			return
		}
		entry.Info("HTTP request")
	}
}

// RecoveryMiddleware recovers from handler panics, logs them and answers
// with an INTERNAL_ERROR envelope
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogError(c.Request.Context(), fmt.Errorf("panic: %v", recovered), "Request panic recovered", logrus.Fields{
			"path": c.Request.URL.Path,
		})
		respond(c, http.StatusInternalServerError, nil, &APIError{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred",
			Details: map[string]interface{}{"correlation_id": logging.GetCorrelationID(c.Request.Context())},
		})
		c.Abort()
	})
}

// OperatorClaims are the JWT claims of an operator token
type OperatorClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware requires a valid HS256 bearer token signed with the
// configured secret. Without a secret every request is rejected.
func AuthMiddleware(auth config.AuthConfig) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		if auth.JWTSecret == "" {
			UnauthorizedResponse(c, "Authentication is not configured")
			c.Abort()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			UnauthorizedResponse(c, "Authorization header is required")
			c.Abort()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			UnauthorizedResponse(c, "Authorization header must be in format 'Bearer <token>'")
			c.Abort()
			return
		}

		claims := &OperatorClaims{}
		token, err := parser.ParseWithClaims(tokenParts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(auth.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			UnauthorizedResponse(c, "Invalid or expired token")
			c.Abort()
			return
		}
		if auth.Issuer != "" && claims.Issuer != auth.Issuer {
			UnauthorizedResponse(c, "Token issuer is not trusted")
			c.Abort()
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// GenerateToken signs an operator token for subject valid for ttl
func GenerateToken(auth config.AuthConfig, subject string, ttl time.Duration) (string, time.Time, error) {
	if auth.JWTSecret == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is not configured")
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    auth.Issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(auth.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
