package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/credit"
)

// Handler provides HTTP endpoints for invoices.
type Handler struct {
	service *Service
}

// NewHandler creates a new billing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up invoice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/invoices", h.CreateInvoice)
	r.GET("/invoices/:id", h.GetInvoice)
	r.GET("/invoices/:id/payments", h.ListPayments)
	r.GET("/accounts/:id/invoices", h.ListInvoices)
}

// RegisterAdminRoutes sets up admin-only invoice routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/invoices/:id/cancel", h.CancelInvoice)
	r.POST("/invoices/sweep-overdue", h.SweepOverdue)
}

// respondError maps billing errors, deferring to the ledger mapping for
// everything else.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": credit.CodeNotFound, "message": err.Error()})
	case errors.Is(err, ErrInvalidInvoice):
		c.JSON(http.StatusBadRequest, gin.H{"error": credit.CodeInvalidRequest, "message": err.Error()})
	case errors.Is(err, ErrDuplicateInvoice), errors.Is(err, ErrDuplicatePayment):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": credit.CodeInvalidTransition, "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": credit.CodeStoreUnavailable, "message": err.Error()})
	default:
		credit.RespondError(c, err)
	}
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   credit.CodeInvalidRequest,
			"message": err.Error(),
		})
		return
	}
	inv, err := h.service.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// GetInvoice handles GET /invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.service.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// ListInvoices handles GET /accounts/:id/invoices
func (h *Handler) ListInvoices(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	invs, err := h.service.ListInvoices(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invs, "count": len(invs)})
}

// ListPayments handles GET /invoices/:id/payments
func (h *Handler) ListPayments(c *gin.Context) {
	ps, err := h.service.Store().ListPaymentsByInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": ps, "count": len(ps)})
}

// CancelInvoice handles POST /admin/invoices/:id/cancel
func (h *Handler) CancelInvoice(c *gin.Context) {
	inv, err := h.service.CancelInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// SweepOverdue handles POST /admin/invoices/sweep-overdue
func (h *Handler) SweepOverdue(c *gin.Context) {
	res, err := h.service.SweepOverdue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
