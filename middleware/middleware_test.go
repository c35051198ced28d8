package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"cityflow/forecaster/config"
	"cityflow/forecaster/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func protectedRouter(auth *services.AuthService) *gin.Engine {
	r := gin.New()
	r.POST("/train", RequireOperator(auth, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("user")})
	})
	return r
}

func TestRequireOperator(t *testing.T) {
	auth := services.NewAuthService(config.AuthConfig{JWTSecret: "k", ExpiryHours: 1})
	operator, err := auth.GenerateToken("ops", "operator")
	require.NoError(t, err)
	viewer, err := auth.GenerateToken("viewer", "viewer")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + operator, http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusOK},
	}
	r := protectedRouter(auth)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/train", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireOperatorWithoutSecret(t *testing.T) {
	r := protectedRouter(services.NewAuthService(config.AuthConfig{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetupCORS(t *testing.T) {
	r := gin.New()
	r.Use(SetupCORS(config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
