package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_IssueListRevoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(NewMemoryStore())
	h := NewHandler(m)
	r := gin.New()
	r.Use(Middleware(m))
	h.RegisterRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group("/admin"))

	body, _ := json.Marshal(map[string]interface{}{"service": "orders", "ttl_hours": 24})
	req := httptest.NewRequest(http.MethodPost, "/admin/api-keys", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		APIKey string `json:"apiKey"`
		Key    APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.Key.ExpiresAt)
	assert.NotContains(t, w.Body.String(), `"hash"`)

	w = do(r, "/auth/me", map[string]string{"Authorization": "Bearer " + created.APIKey})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"orders"`)

	w = do(r, "/admin/api-keys?service=orders", nil)
	assert.Contains(t, w.Body.String(), `"count":1`)

	req = httptest.NewRequest(http.MethodDelete, "/admin/api-keys/"+created.Key.ID, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, "/auth/me", map[string]string{"Authorization": "Bearer " + created.APIKey})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/api-keys/ak_missing", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
