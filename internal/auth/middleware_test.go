package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(secret string, allowOpen bool) *gin.Engine {
	r := gin.New()
	g := r.Group("/v2", RequireAdmin(secret, allowOpen))
	g.GET("/escrow/reconciliation", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c)})
	})
	return r
}

func get(r *gin.Engine, secret string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v2/escrow/reconciliation", nil)
	if secret != "" {
		req.Header.Set(HeaderAdminSecret, secret)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		allowOpen bool
		header    string
		code      int
		body      string
	}{
		{"correct secret", "supersecret123", false, "supersecret123", http.StatusOK, `"admin":true`},
		{"wrong secret", "supersecret123", false, "wrong", http.StatusForbidden, "forbidden"},
		{"prefix of secret", "supersecret123", false, "supersecret", http.StatusForbidden, "forbidden"},
		{"missing header", "supersecret123", false, "", http.StatusUnauthorized, "unauthorized"},
		{"unset secret in development", "", true, "", http.StatusOK, `"admin":true`},
		{"unset secret elsewhere", "", false, "anything", http.StatusServiceUnavailable, "admin_disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(setupRouter(tt.secret, tt.allowOpen), tt.header)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestIsAdmin_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.False(t, IsAdmin(c))
}
