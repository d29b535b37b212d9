package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
)

// Handler exposes on-demand reconciliation to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up GET /admin/reconciliation.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", authz.Require(authz.CapRunPayouts), h.Run)
}

// Run handles GET /v1/admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
