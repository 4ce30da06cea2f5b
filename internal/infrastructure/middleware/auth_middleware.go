package middleware

import (
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	claimsKey = "claims"
	roleKey   = "role"
)

// AuthMiddleware requires a relay token scoped to the :session_id path
// parameter. Browsers cannot set headers on a websocket handshake, so the
// token may also arrive as ?token=.
func AuthMiddleware(tokens services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			abortWithAppError(c, err)
			return
		}

		claims, verr := tokens.ValidateToken(raw)
		if verr != nil {
			abortWithAppError(c, apperrors.NewUnauthorizedError(verr.Error()))
			return
		}

		sessionID := domain.SessionID(c.Param("session_id"))
		if sessionID != "" {
			if err := tokens.Authorize(claims, sessionID, ""); err != nil {
				abortWithAppError(c, apperrors.NewForbiddenError("token does not cover this session"))
				return
			}
		}

		c.Set(claimsKey, claims)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// RoleFromContext returns the role granted by the request token. ok is false
// when the route is not authenticated.
func RoleFromContext(c *gin.Context) (domain.SenderRole, bool) {
	v, exists := c.Get(roleKey)
	if !exists {
		return "", false
	}
	role, ok := v.(domain.SenderRole)
	return role, ok
}

func bearerToken(c *gin.Context) (string, *apperrors.AppError) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", apperrors.NewUnauthorizedError("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apperrors.NewUnauthorizedError("invalid authorization header format")
	}
	return parts[1], nil
}
