package payout

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
)

// Handler provides admin endpoints for daily payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up payout routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/payouts", authz.Require(authz.CapRunPayouts))
	g.POST("/daily", h.RunDaily)
	g.GET("/:date", h.GetRun)
}

type runBody struct {
	Date string `json:"date"`
}

// RunDaily handles POST /v1/admin/payouts/daily
// An empty body runs yesterday (UTC).
func (h *Handler) RunDaily(c *gin.Context) {
	var req runBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	var date *time.Time
	if req.Date != "" {
		d, err := time.Parse(time.DateOnly, req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "date must be YYYY-MM-DD",
			})
			return
		}
		date = &d
	}

	res, err := h.service.RunDailyPayout(c.Request.Context(), date, TriggerAdmin)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": res})
}

// GetRun handles GET /v1/admin/payouts/:date
func (h *Handler) GetRun(c *gin.Context) {
	d, err := time.Parse(time.DateOnly, c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "date must be YYYY-MM-DD",
		})
		return
	}
	run, err := h.service.Get(c.Request.Context(), d)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}
