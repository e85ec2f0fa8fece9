package reconciliation

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

func setupWebhookRouter(t *testing.T) (*gin.Engine, *MemoryInbox, *countingNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	inbox := NewMemoryInbox()
	n := &countingNotifier{}
	h := NewHandler(inbox, testSecret, n)
	r := gin.New()
	h.RegisterWebhookRoutes(r.Group(""))
	h.RegisterAdminRoutes(r.Group("/admin"))
	return r, inbox, n
}

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func deliver(r http.Handler, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhooks/payment-gateway", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func eventPayload(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"event_id":          id,
		"type":              "payment.succeeded",
		"amount":            4000,
		"currency":          "AUD",
		"invoice_reference": "inv_1",
		"payment_reference": "pi_1",
	})
	require.NoError(t, err)
	return b
}

func TestWebhook_QueuesSignedEvent(t *testing.T) {
	r, inbox, n := setupWebhookRouter(t)
	payload := eventPayload(t, "evt_1")

	w := deliver(r, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, n.n)

	e, err := inbox.Get(t.Context(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, InboxQueued, e.Status)
	assert.EqualValues(t, 4000, e.Event.Amount)

	// Redelivery is acknowledged without queueing twice.
	w = deliver(r, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
	assert.Equal(t, 1, n.n)
}

func TestWebhook_AcceptsEventWithoutPaymentReference(t *testing.T) {
	r, inbox, n := setupWebhookRouter(t)
	payload := []byte(`{"event_id":"evt_inv","type":"payment.succeeded","amount":4000,"currency":"AUD","invoice_reference":"inv_1","status":"succeeded"}`)

	w := deliver(r, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, n.n)

	e, err := inbox.Get(t.Context(), "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, InboxQueued, e.Status)
	assert.Equal(t, "inv_1", e.Event.InvoiceReference)
	assert.Empty(t, e.Event.PaymentReference)
	assert.Equal(t, "succeeded", e.Event.Status)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	r, inbox, _ := setupWebhookRouter(t)
	payload := eventPayload(t, "evt_1")

	w := deliver(r, payload, sign(payload, "whsec_other", time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	w = deliver(r, payload, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Stale timestamps are outside the replay window.
	w = deliver(r, payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := inbox.Get(t.Context(), "evt_1")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestWebhook_RejectsInvalidEvent(t *testing.T) {
	r, _, _ := setupWebhookRouter(t)
	payload := []byte(`{"event_id":"evt_x","type":"payment.teleported","payment_reference":"pi"}`)
	w := deliver(r, payload, sign(payload, testSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_ListAndReplayDeadEvents(t *testing.T) {
	r, inbox, n := setupWebhookRouter(t)
	payload := eventPayload(t, "evt_1")
	require.Equal(t, http.StatusOK, deliver(r, payload, sign(payload, testSecret, time.Now())).Code)
	require.NoError(t, inbox.MarkDead(t.Context(), "evt_1", 8, "boom"))

	req := httptest.NewRequest("GET", "/admin/gateway/events?status=dead", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	req = httptest.NewRequest("POST", "/admin/gateway/events/evt_1/replay", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 2, n.n)

	req = httptest.NewRequest("POST", "/admin/gateway/events/evt_1/replay", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	req = httptest.NewRequest("GET", "/admin/gateway/events?status=bogus", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
