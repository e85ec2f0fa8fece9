package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/ledger"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	h := NewHandler(f.mgr)

	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group("/admin"))
	return r, f
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Apply_201AndReplay(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 100_000)

	body := map[string]interface{}{
		"delta":           "-125.50",
		"reference_type":  "order",
		"reference_id":    "ord-1",
		"idempotency_key": "ord-1",
	}
	w := doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Entry ledger.Entry `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(-12550), int64(resp.Entry.BalanceAfter))
	assert.Empty(t, w.Header().Get("Idempotent-Replayed"))

	w = doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
}

func TestHandler_Apply_LimitExceeded409(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)

	w := doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", map[string]interface{}{
		"delta": -1001, "reference_type": "order", "reference_id": "o1", "idempotency_key": "o1",
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, CodeCreditLimitExceeded, resp["error"])
	assert.EqualValues(t, 0, resp["balance_before"])
	assert.EqualValues(t, 1000, resp["credit_limit"])
}

func TestHandler_Apply_Suspended423(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)
	_, err := f.mgr.Suspend(context.Background(), acct.ID, "")
	require.NoError(t, err)

	w := doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", map[string]interface{}{
		"delta": -1, "reference_type": "order", "reference_id": "o1", "idempotency_key": "o1",
	})
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestHandler_Apply_KeyFromHeader(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)

	buf := bytes.NewBufferString(`{"delta":-10,"reference_type":"order","reference_id":"o1"}`)
	req := httptest.NewRequest("POST", "/accounts/"+acct.ID+"/apply", buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "hdr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandler_Apply_BadBody400(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)

	w := doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", map[string]interface{}{
		"delta": "1.234", "reference_type": "order", "reference_id": "o1", "idempotency_key": "o1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetBalance(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)

	w := doJSON(r, "GET", "/accounts/"+acct.ID+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.EqualValues(t, 1000, bal.AvailableCredit)

	w = doJSON(r, "GET", "/accounts/nope/balance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListEntriesPaginates(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 100_000)
	for _, k := range []string{"a", "b", "c"} {
		_, _, err := f.mgr.Apply(context.Background(), orderDebit(acct.ID, 10, k))
		require.NoError(t, err)
	}

	w := doJSON(r, "GET", "/accounts/"+acct.ID+"/entries?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Entries    []ledger.Entry `json:"entries"`
		NextCursor string         `json:"next_cursor"`
		HasMore    bool           `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)

	w = doJSON(r, "GET", "/accounts/"+acct.ID+"/entries?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(3), page.Entries[0].Sequence)
	assert.False(t, page.HasMore)
}

func TestHandler_AdminLifecycle(t *testing.T) {
	r, _ := setupHandlerTestRouter(t)

	w := doJSON(r, "POST", "/admin/accounts", map[string]interface{}{"business_id": "biz-9", "credit_limit": 5000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Account ledger.Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp.Account.ID

	w = doJSON(r, "POST", "/admin/accounts/"+id+"/reactivate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, "POST", "/admin/accounts/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "POST", "/admin/accounts/"+id+"/credit-limit", map[string]interface{}{"credit_limit": "250.00"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 25000, resp.Account.CreditLimit)

	w = doJSON(r, "POST", "/admin/accounts/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "GET", "/admin/accounts?status=active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestHandler_Apply_MissingKey400(t *testing.T) {
	r, f := setupHandlerTestRouter(t)
	acct := f.activeAccount(t, 1000)

	w := doJSON(r, "POST", "/accounts/"+acct.ID+"/apply", map[string]interface{}{
		"delta": -10, "reference_type": "order", "reference_id": "o1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"idempotency_key"`)

	bal, err := f.mgr.GetBalance(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.True(t, bal.CurrentBalance.IsZero())
}
