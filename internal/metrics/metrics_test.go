package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := map[int]string{100: "1xx", 201: "2xx", 301: "3xx", 409: "4xx", 423: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusBucket(code), code)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/accounts/:id/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/v1/accounts/:id/balance", "2xx")
	before := testutil.ToFloat64(counter)
	unmatched := HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")
	beforeUnmatched := testutil.ToFloat64(unmatched)

	for _, id := range []string{"acct_1", "acct_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/accounts/"+id+"/balance", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
	assert.Equal(t, float64(0), testutil.ToFloat64(HTTPInFlight))
}

type fakeStats sql.DBStats

func (f fakeStats) Stats() sql.DBStats { return sql.DBStats(f) }

func TestSampleDBStats(t *testing.T) {
	SampleDBStats(fakeStats{OpenConnections: 7, InUse: 3, Idle: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})
	assert.Equal(t, float64(7), testutil.ToFloat64(DBOpenConnections))
	assert.Equal(t, float64(3), testutil.ToFloat64(DBInUseConnections))
	assert.Equal(t, 1.5, testutil.ToFloat64(DBWaitDuration))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	SetBuildInfo("test", "development")
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "creditledger_build_info")
}
