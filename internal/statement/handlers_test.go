package statement

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/ledger"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.gen, NewMonthlyTimer(f.gen, slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group("/admin"))
	return r, f
}

func get(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetStatement(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.account(t, 100_000)
	f.apply(t, acct.ID, day(2, 3), -4_000, ledger.RefOrder)
	f.apply(t, acct.ID, day(3, 3), 1_000, ledger.RefInvoice)

	w := get(r, "GET", "/accounts/"+acct.ID+"/statement?from=2026-03-01&to=2026-04-01T00:00:00Z&include_entries=true")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Statement Statement `json:"statement"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, -4_000, resp.Statement.OpeningBalance)
	assert.EqualValues(t, -3_000, resp.Statement.ClosingBalance)
	assert.Len(t, resp.Statement.Entries, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), resp.Statement.PeriodStart)
}

func TestHandler_DefaultsToCurrentMonth(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.account(t, 100_000)
	f.apply(t, acct.ID, day(3, 3), -500, ledger.RefOrder)
	f.now = day(3, 20)

	w := get(r, "GET", "/accounts/"+acct.ID+"/statement")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"entry_count":1`)
	assert.Contains(t, w.Body.String(), `"period_start":"2026-03-01T00:00:00Z"`)
}

func TestHandler_Errors(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.account(t, 100_000)

	w := get(r, "GET", "/accounts/"+acct.ID+"/statement?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(r, "GET", "/accounts/"+acct.ID+"/statement?from=2026-04-01&to=2026-03-01")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(r, "GET", "/accounts/acct_nope/statement?from=2026-03-01&to=2026-04-01")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = get(r, "GET", "/statements/stm_nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RunAndListSnapshots(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.account(t, 100_000)
	f.apply(t, acct.ID, day(3, 3), -500, ledger.RefOrder)
	f.now = day(4, 2)

	w := get(r, "POST", "/admin/statements/run")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"created":1`)

	w = get(r, "GET", "/accounts/"+acct.ID+"/statements")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Statements []Statement `json:"statements"`
		Count      int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	w = get(r, "GET", "/statements/"+resp.Statements[0].ID)
	assert.Equal(t, http.StatusOK, w.Code)
}
