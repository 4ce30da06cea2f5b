package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authRouter(tokens services.TokenService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/sessions/:session_id", AuthMiddleware(tokens))
	group.GET("", func(c *gin.Context) {
		role, _ := RoleFromContext(c)
		c.JSON(http.StatusOK, gin.H{"role": role})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	tokens := services.NewTokenService("secret", time.Hour)
	router := authRouter(tokens)

	viewer, err := tokens.GenerateToken("S1", domain.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"missing token", "/sessions/S1", "", http.StatusUnauthorized},
		{"malformed header", "/sessions/S1", "Token " + viewer, http.StatusUnauthorized},
		{"bad token", "/sessions/S1", "Bearer nope", http.StatusUnauthorized},
		{"other session", "/sessions/S2", "Bearer " + viewer, http.StatusForbidden},
		{"header token", "/sessions/S1", "Bearer " + viewer, http.StatusOK},
		{"query token", "/sessions/S1?token=" + viewer, "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)

			if tt.status == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, "viewer", body["role"])
			}
		})
	}
}
