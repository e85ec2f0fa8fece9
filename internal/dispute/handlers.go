package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/pagination"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up dispute intake and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Submit)
	r.GET("/disputes/:id", h.Get)
	r.GET("/accounts/:id/disputes", h.ListByAccount)
}

// RegisterOpsRoutes sets up the transition routes used by ops tooling. The
// caller mounts them behind admin authentication.
func (h *Handler) RegisterOpsRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListByStatus)
	r.POST("/disputes/:id/investigate", h.Investigate)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/reject", h.Reject)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/close", h.Close)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": credit.CodeNotFound, "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": credit.CodeInvalidRequest, "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": credit.CodeInvalidTransition, "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": credit.CodeStoreUnavailable, "message": err.Error()})
	default:
		credit.RespondError(c, err)
	}
}

// Submit handles POST /disputes
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": credit.CodeInvalidRequest, "message": err.Error()})
		return
	}
	d, err := h.resolver.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func limitParam(c *gin.Context) int {
	return pagination.ParseLimit(c.Query("limit"), 50, 500)
}

// ListByAccount handles GET /accounts/:id/disputes
func (h *Handler) ListByAccount(c *gin.Context) {
	ds, err := h.resolver.ListByAccount(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// ListByStatus handles GET /disputes?status=
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusSubmitted)))
	ds, err := h.resolver.ListByStatus(c.Request.Context(), status, limitParam(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

type notesBody struct {
	Notes string `json:"notes"`
}

func (h *Handler) simple(c *gin.Context, op func(id, notes string) (*Dispute, error)) {
	var body notesBody
	_ = c.ShouldBindJSON(&body)
	d, err := op(c.Param("id"), body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Investigate handles POST /disputes/:id/investigate
func (h *Handler) Investigate(c *gin.Context) {
	ctx := c.Request.Context()
	h.simple(c, func(id, notes string) (*Dispute, error) { return h.resolver.Investigate(ctx, id, notes) })
}

// Escalate handles POST /disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	ctx := c.Request.Context()
	h.simple(c, func(id, notes string) (*Dispute, error) { return h.resolver.Escalate(ctx, id, notes) })
}

// Reject handles POST /disputes/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	ctx := c.Request.Context()
	h.simple(c, func(id, notes string) (*Dispute, error) { return h.resolver.Reject(ctx, id, notes) })
}

// Close handles POST /disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	ctx := c.Request.Context()
	h.simple(c, func(id, notes string) (*Dispute, error) { return h.resolver.Close(ctx, id, notes) })
}

// Resolve handles POST /disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": credit.CodeInvalidRequest, "message": err.Error()})
		return
	}
	d, entry, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"dispute": d}
	if entry != nil {
		resp["entry"] = entry
	}
	c.JSON(http.StatusOK, resp)
}
