package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/validation"
)

// Handler provides HTTP endpoints for wallets.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the caller's wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/wallets/me", authz.Require(authz.CapTransact))
	g.GET("", h.GetWallet)
	g.GET("/entries", h.ListEntries)
	g.GET("/rewards", h.ListRewards)
	g.POST("/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up withdrawal settlement and reward reversal.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin", authz.Require(authz.CapManageWallets), validation.IDParamMiddleware("id"))
	g.POST("/withdrawals/:id/clear", h.ClearWithdrawal)
	g.POST("/withdrawals/:id/fail", h.FailWithdrawal)
	g.POST("/rewards/:id/reverse", h.ReverseReward)
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

// GetWallet handles GET /v1/wallets/me
func (h *Handler) GetWallet(c *gin.Context) {
	sum, err := h.service.Get(c.Request.Context(), authz.UserID(c), limitParam(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ListEntries handles GET /v1/wallets/me/entries
func (h *Handler) ListEntries(c *gin.Context) {
	page, err := h.service.Entries(c.Request.Context(), authz.UserID(c), c.Query("cursor"), limitParam(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListRewards handles GET /v1/wallets/me/rewards
func (h *Handler) ListRewards(c *gin.Context) {
	out, err := h.service.Rewards(c.Request.Context(), authz.UserID(c), limitParam(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": out, "count": len(out)})
}

type withdrawalBody struct {
	Amount int64 `json:"amount"`
}

// RequestWithdrawal handles POST /v1/wallets/me/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req withdrawalBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	wd, err := h.service.RequestWithdrawal(c.Request.Context(), authz.UserID(c), req.Amount)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": wd})
}

// ClearWithdrawal handles POST /v1/admin/withdrawals/:id/clear
func (h *Handler) ClearWithdrawal(c *gin.Context) {
	wd, err := h.service.Clear(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

// FailWithdrawal handles POST /v1/admin/withdrawals/:id/fail
func (h *Handler) FailWithdrawal(c *gin.Context) {
	wd, err := h.service.Fail(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

type reverseBody struct {
	Reason string `json:"reason" binding:"required"`
}

// ReverseReward handles POST /v1/admin/rewards/:id/reverse
func (h *Handler) ReverseReward(c *gin.Context) {
	var req reverseBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	rev, err := h.service.ReverseReward(c.Request.Context(), c.Param("id"), authz.UserID(c), reason)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversal": rev})
}
