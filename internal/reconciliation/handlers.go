package reconciliation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/creditledger/internal/logging"
)

// SignatureHeader carries the gateway's HMAC signature of the raw body.
const SignatureHeader = "Stripe-Signature"

const maxWebhookBody = 1 << 20

// Notifier is woken after a delivery is queued.
type Notifier interface {
	Notify()
}

// Handler provides the gateway webhook and inbox admin endpoints.
type Handler struct {
	inbox  Inbox
	secret string
	worker Notifier
	now    func() time.Time
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification; config validation forbids that in production.
func NewHandler(inbox Inbox, secret string, worker Notifier) *Handler {
	return &Handler{inbox: inbox, secret: secret, worker: worker, now: time.Now}
}

// RegisterWebhookRoutes sets up the gateway delivery route.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payment-gateway", h.Receive)
}

// RegisterAdminRoutes sets up inbox inspection and replay routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/gateway/events", h.ListEvents)
	r.GET("/gateway/events/:id", h.GetEvent)
	r.POST("/gateway/events/:id/replay", h.Replay)
}

// Receive handles POST /webhooks/payment-gateway. It answers 200 once the
// event is durably queued; reconciliation happens in the worker.
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		webhooksReceived.WithLabelValues("unreadable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	if h.secret != "" {
		if err := webhook.ValidatePayload(payload, c.GetHeader(SignatureHeader), h.secret); err != nil {
			webhooksReceived.WithLabelValues("bad_signature").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": err.Error()})
			return
		}
	}

	var evt GatewayEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		webhooksReceived.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := evt.Validate(); err != nil {
		webhooksReceived.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	created, err := h.inbox.Enqueue(c.Request.Context(), &evt, payload, h.now().UTC())
	if err != nil {
		webhooksReceived.WithLabelValues("enqueue_failed").Inc()
		logging.L(c.Request.Context()).Error("failed to queue gateway event", "event_id", evt.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "event not queued, retry delivery"})
		return
	}
	if created {
		webhooksReceived.WithLabelValues("queued").Inc()
		if h.worker != nil {
			h.worker.Notify()
		}
	} else {
		webhooksReceived.WithLabelValues("duplicate").Inc()
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": !created, "event_id": evt.ID})
}

// ListEvents handles GET /admin/gateway/events?status=
func (h *Handler) ListEvents(c *gin.Context) {
	status := InboxStatus(c.Query("status"))
	switch status {
	case "", InboxQueued, InboxProcessing, InboxProcessed, InboxDead:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unknown status"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	evts, err := h.inbox.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

// GetEvent handles GET /admin/gateway/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	evt, err := h.inbox.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": evt})
}

// Replay handles POST /admin/gateway/events/:id/replay. Only dead-lettered
// events can be replayed; the gateway-scope guard still prevents a second
// effect.
func (h *Handler) Replay(c *gin.Context) {
	err := h.inbox.Requeue(c.Request.Context(), c.Param("id"), h.now().UTC())
	switch {
	case errors.Is(err, ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	case errors.Is(err, ErrNotDead):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to requeue event"})
		return
	}
	if h.worker != nil {
		h.worker.Notify()
	}
	c.JSON(http.StatusAccepted, gin.H{"requeued": true, "event_id": c.Param("id")})
}
