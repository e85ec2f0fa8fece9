package credit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/money"
	"github.com/mbd888/creditledger/internal/pagination"
	"github.com/mbd888/creditledger/internal/validation"
)

// Handler provides HTTP endpoints for credit accounts.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new credit handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up service-facing account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/entries", h.ListEntries)
	r.POST("/accounts/:id/apply", h.Apply)
}

// RegisterAdminRoutes sets up admin-only account lifecycle routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/accounts", h.ListAccounts)
	r.POST("/accounts", h.Open)
	r.POST("/accounts/:id/approve", h.Approve)
	r.POST("/accounts/:id/suspend", h.Suspend)
	r.POST("/accounts/:id/reactivate", h.Reactivate)
	r.POST("/accounts/:id/close", h.Close)
	r.POST("/accounts/:id/credit-limit", h.SetCreditLimit)
	r.POST("/accounts/:id/verify", h.Verify)
	r.POST("/accounts/:id/release-hold", h.ReleaseHold)
}

// RespondError writes err using the shared status mapping. ApplyErrors
// carry their balance context in the body.
func RespondError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	resp := gin.H{"error": code, "message": err.Error()}
	var ae *ApplyError
	if errors.As(err, &ae) {
		resp["account_id"] = ae.AccountID
		resp["requested"] = ae.Requested
		resp["balance_before"] = ae.BalanceBefore
		resp["credit_limit"] = ae.CreditLimit
	}
	c.JSON(status, resp)
}

type applyBody struct {
	Delta          money.Amount `json:"delta"`
	ReferenceType  string       `json:"reference_type"`
	ReferenceID    string       `json:"reference_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Description    string       `json:"description"`
}

// Apply handles POST /accounts/:id/apply
func (h *Handler) Apply(c *gin.Context) {
	var body applyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   CodeInvalidRequest,
			"message": err.Error(),
		})
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}
	if errs := validation.Validate(
		validation.Required("idempotency_key", key),
		validation.ValidIdempotencyKey("idempotency_key", key),
		validation.Required("reference_id", body.ReferenceID),
		validation.MaxLength("description", body.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	entry, replayed, err := h.manager.Apply(c.Request.Context(), ApplyRequest{
		AccountID:      c.Param("id"),
		Delta:          body.Delta,
		Reference:      ledger.Reference{Kind: ledger.ReferenceKind(body.ReferenceType), ID: body.ReferenceID},
		IdempotencyKey: key,
		Description:    body.Description,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.manager.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetAccount handles GET /accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.manager.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListEntries handles GET /accounts/:id/entries
func (h *Handler) ListEntries(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	var afterSeq int64
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest, "message": err.Error()})
		return
	}
	if cur != nil {
		afterSeq = cur.Sequence
	}

	entries, err := h.manager.ListEntries(c.Request.Context(), c.Param("id"), afterSeq, limit+1)
	if err != nil {
		RespondError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *ledger.Entry) pagination.Cursor {
		return pagination.Cursor{Sequence: e.Sequence, CreatedAt: e.CreatedAt}
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":     page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
}

// ListAccounts handles GET /admin/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 100, 1000)
	accounts, err := h.manager.ListAccounts(c.Request.Context(), ledger.Status(c.Query("status")), limit)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// Open handles POST /admin/accounts
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest, "message": err.Error()})
		return
	}
	acct, err := h.manager.Open(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// Approve handles POST /admin/accounts/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	acct, err := h.manager.Approve(c.Request.Context(), c.Param("id"))
	respondAccount(c, acct, err)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// Suspend handles POST /admin/accounts/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	acct, err := h.manager.Suspend(c.Request.Context(), c.Param("id"), body.Reason)
	respondAccount(c, acct, err)
}

// Reactivate handles POST /admin/accounts/:id/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	acct, err := h.manager.Reactivate(c.Request.Context(), c.Param("id"))
	respondAccount(c, acct, err)
}

// Close handles POST /admin/accounts/:id/close
func (h *Handler) Close(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	acct, err := h.manager.Close(c.Request.Context(), c.Param("id"), body.Reason)
	respondAccount(c, acct, err)
}

// SetCreditLimit handles POST /admin/accounts/:id/credit-limit
func (h *Handler) SetCreditLimit(c *gin.Context) {
	var body struct {
		CreditLimit *money.Amount `json:"credit_limit"`
		Reason      string        `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.CreditLimit == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidRequest, "message": "credit_limit is required"})
		return
	}
	acct, err := h.manager.SetCreditLimit(c.Request.Context(), c.Param("id"), *body.CreditLimit, body.Reason)
	respondAccount(c, acct, err)
}

// Verify handles POST /admin/accounts/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.manager.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": res})
}

// ReleaseHold handles POST /admin/accounts/:id/release-hold
func (h *Handler) ReleaseHold(c *gin.Context) {
	acct, err := h.manager.ReleaseHold(c.Request.Context(), c.Param("id"))
	respondAccount(c, acct, err)
}

func respondAccount(c *gin.Context, acct *ledger.Account, err error) {
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
