package validation

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	for _, id := range []string{"acct_3f2a9c", "dsp_1", "0b1f6a3e-5b2c-4d0e-9a51-1c2d3e4f5a6b", "inv-2026.01"} {
		assert.True(t, IsValidID(id), id)
	}
	for _, id := range []string{"", "_leading", "has space", "semi;colon", strings.Repeat("a", 129)} {
		assert.False(t, IsValidID(id), id)
	}
}

func TestIsValidIdempotencyKey(t *testing.T) {
	assert.True(t, IsValidIdempotencyKey("order:1"))
	assert.True(t, IsValidIdempotencyKey("payment:evt_1NZ"))
	assert.False(t, IsValidIdempotencyKey(""))
	assert.False(t, IsValidIdempotencyKey("order 1"))
	assert.False(t, IsValidIdempotencyKey("order:é"))
	assert.False(t, IsValidIdempotencyKey(strings.Repeat("k", MaxIdempotencyKeyLength+1)))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "helo", SanitizeString("hel\x00o", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("idempotency_key", ""),
		ValidIdempotencyKey("idempotency_key", "has space"),
		ValidCurrency("currency", "AUD"),
		ValidCurrency("currency2", "dollars"),
		ValidAmount("amount", "12.50"),
		ValidAmount("zero", "0.00"),
		ValidAmount("junk", "1.2.3"),
		MaxLength("notes", "abcdef", 3),
	)

	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"idempotency_key", "idempotency_key", "currency2", "zero", "junk", "notes"}, fields)
	assert.Equal(t, "idempotency_key: is required", errs.Error())
	assert.Empty(t, Validate(Required("x", "y")))
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", IDParamMiddleware("id"))
	g.GET("/accounts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/acct_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{"a":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
