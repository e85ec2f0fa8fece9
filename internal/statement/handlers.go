package statement

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/credit"
)

// Handler provides HTTP endpoints for statements.
type Handler struct {
	generator *Generator
	timer     *MonthlyTimer
}

// NewHandler creates a new statement handler. timer may be nil.
func NewHandler(generator *Generator, timer *MonthlyTimer) *Handler {
	return &Handler{generator: generator, timer: timer}
}

// RegisterRoutes sets up statement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/statement", h.GetStatement)
	r.GET("/accounts/:id/statements", h.ListStatements)
	r.GET("/statements/:id", h.GetSnapshot)
}

// RegisterAdminRoutes sets up admin-only statement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	if h.timer != nil {
		r.POST("/statements/run", h.RunMonthly)
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidPeriod):
		c.JSON(http.StatusBadRequest, gin.H{"error": credit.CodeInvalidRequest, "message": err.Error()})
	case errors.Is(err, ErrStatementNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": credit.CodeNotFound, "message": err.Error()})
	default:
		credit.RespondError(c, err)
	}
}

// ParseTime accepts RFC 3339 timestamps or plain YYYY-MM-DD dates (UTC midnight).
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidPeriod, s)
}

// GetStatement handles GET /accounts/:id/statement?from=&to=
// Without bounds it covers the current month up to now.
func (h *Handler) GetStatement(c *gin.Context) {
	now := h.generator.now()
	from, _ := MonthBounds(now)
	to := now.UTC()
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = ParseTime(v); err != nil {
			respondError(c, err)
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = ParseTime(v); err != nil {
			respondError(c, err)
			return
		}
	}
	withEntries := c.Query("include_entries") == "true"

	st, err := h.generator.Generate(c.Request.Context(), c.Param("id"), from, to, withEntries)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statement": st})
}

// ListStatements handles GET /accounts/:id/statements
func (h *Handler) ListStatements(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	if limit <= 0 || limit > 120 {
		limit = 24
	}
	sts, err := h.generator.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statements": sts, "count": len(sts)})
}

// GetSnapshot handles GET /statements/:id
func (h *Handler) GetSnapshot(c *gin.Context) {
	st, err := h.generator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statement": st})
}

// RunMonthly handles POST /admin/statements/run
func (h *Handler) RunMonthly(c *gin.Context) {
	res, err := h.timer.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
