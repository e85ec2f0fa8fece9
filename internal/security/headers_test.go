package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(t *testing.T, mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/accounts/acct_1/balance", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(t, HeadersMiddleware(), httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "plain HTTP")

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil)
	req.TLS = &tls.ConnectionState{}
	w = serve(t, HeadersMiddleware(), req)
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCredent string
	}{
		{"allowed origin", []string{"https://ops.example.com"}, "https://ops.example.com", "https://ops.example.com", "true"},
		{"disallowed origin", []string{"https://ops.example.com"}, "https://evil.example", "", ""},
		{"wildcard never sends credentials", []string{"*"}, "https://any.example", "https://any.example", ""},
		{"empty list is wildcard", nil, "https://any.example", "https://any.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/balance", nil)
			req.Header.Set("Origin", tt.origin)
			w := serve(t, CORSMiddleware(tt.allowed), req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredent, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/accounts/acct_1/balance", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := serve(t, CORSMiddleware([]string{"https://ops.example.com"}), req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}
