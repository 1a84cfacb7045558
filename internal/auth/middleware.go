package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/flybeeper/geolog/pkg/utils"
)

const subjectKey = "auth_subject"

// Middleware для аутентификации запросов
type Middleware struct {
	validator *Validator
	logger    *utils.Logger
}

// NewMiddleware создает новый middleware аутентификации
func NewMiddleware(validator *Validator, logger *utils.Logger) *Middleware {
	if !validator.Enabled() {
		logger.Warn("AUTH_JWT_SECRET is not set, authentication is disabled")
	}
	return &Middleware{
		validator: validator,
		logger:    logger,
	}
}

// Authenticate проверяет Bearer токен. При выключенной аутентификации пропускает все запросы.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.validator.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			m.logger.WithField("ip", c.ClientIP()).Warn("Missing authentication token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authentication token",
				"code":  "MISSING_TOKEN",
			})
			c.Abort()
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			m.logger.WithFields(map[string]interface{}{
				"ip":    c.ClientIP(),
				"error": err.Error(),
			}).Warn("Token validation failed")

			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
				"code":  "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		c.Set(subjectKey, claims.Subject)

		m.logger.WithFields(map[string]interface{}{
			"subject": claims.Subject,
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
		}).Debug("Authenticated request")

		c.Next()
	}
}

// extractToken извлекает токен из заголовка Authorization или параметра token
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// Браузерный WebSocket не умеет выставлять заголовки
	return c.Query("token")
}

// GetSubject возвращает subject аутентифицированного запроса
func GetSubject(c *gin.Context) (string, bool) {
	if v, exists := c.Get(subjectKey); exists {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
