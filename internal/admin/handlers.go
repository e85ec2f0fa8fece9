package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides operator report endpoints.
type Handler struct {
	reporter *Reporter
}

// NewHandler creates a new admin handler.
func NewHandler(r *Reporter) *Handler {
	return &Handler{reporter: r}
}

// RegisterAdminRoutes sets up the ops routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/ops/report", h.report)
	r.POST("/ops/verify-all", h.verifyAll)
}

// report handles GET /admin/ops/report. Always 200: the body says whether
// anything needs attention.
func (h *Handler) report(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"report": h.reporter.Report(c.Request.Context())})
}

// verifyAll handles POST /admin/ops/verify-all
func (h *Handler) verifyAll(c *gin.Context) {
	res, err := h.reporter.VerifyAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verify": res})
}
