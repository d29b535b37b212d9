package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/validation"
)

// Handler provides HTTP endpoints for slices and escrow payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up slice and escrow routes. r must already run
// authz.Middleware (or the test impersonation harness).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("", authz.Require(authz.CapTransact), validation.IDParamMiddleware("id", "sliceId"))
	g.POST("/slices", h.CreateSlice)
	g.POST("/slices/:id/accept", h.AcceptSlice)
	g.POST("/slices/:id/complete", h.CompleteSlice)
	g.POST("/escrow", h.CreateEscrow)
	g.GET("/escrow/:sliceId", h.GetEscrow)
	g.POST("/escrow/:sliceId/approve", h.Approve)
	g.POST("/escrow/:sliceId/refund-request", h.RequestRefund)
	g.POST("/escrow/:sliceId/refund-response", h.RespondToRefund)
}

// CreateSlice handles POST /v1/slices
func (h *Handler) CreateSlice(c *gin.Context) {
	var req CreateSliceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("requestId", req.RequestID),
		validation.ValidID("providerId", req.ProviderID),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	req.ClientID = authz.UserID(c)

	sl, err := h.service.CreateSlice(c.Request.Context(), req)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"slice": sl})
}

// AcceptSlice handles POST /v1/slices/:id/accept
func (h *Handler) AcceptSlice(c *gin.Context) {
	sl, err := h.service.AcceptSlice(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slice": sl})
}

// CompleteSlice handles POST /v1/slices/:id/complete
func (h *Handler) CompleteSlice(c *gin.Context) {
	sl, err := h.service.CompleteSlice(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slice": sl})
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("sliceId", req.SliceID),
		validation.ValidID("providerId", req.ProviderID),
		validation.PositiveAmount("sliceAmount", req.SliceAmount),
		validation.OneOf("paymentMethod", string(req.PaymentMethod), string(ledger.MethodGatewayA), string(ledger.MethodGatewayB)),
		validation.MaxLength("paymentToken", req.PaymentToken, 255),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	req.ClientID = authz.UserID(c)

	pay, err := h.service.CreateEscrow(c.Request.Context(), req)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": pay})
}

// GetEscrow handles GET /v1/escrow/:sliceId
func (h *Handler) GetEscrow(c *gin.Context) {
	v, err := h.service.Get(c.Request.Context(), c.Param("sliceId"))
	if err != nil {
		apperr.Render(c, err)
		return
	}

	p, _ := authz.FromContext(c)
	if _, ok := v.Slice.PartyOf(p.UserID); !ok && !p.Can(authz.CapAdjudicate) {
		// Hide existence from third parties.
		apperr.Render(c, apperr.NotFound("slice %s not found", v.Slice.ID))
		return
	}
	c.JSON(http.StatusOK, v)
}

// Approve handles POST /v1/escrow/:sliceId/approve
func (h *Handler) Approve(c *gin.Context) {
	st, err := h.service.Approve(c.Request.Context(), c.Param("sliceId"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}

type refundRequestBody struct {
	Reason string `json:"reason" binding:"required"`
}

// RequestRefund handles POST /v1/escrow/:sliceId/refund-request
func (h *Handler) RequestRefund(c *gin.Context) {
	var req refundRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	sl, err := h.service.RequestRefund(c.Request.Context(), c.Param("sliceId"), authz.UserID(c), reason)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slice": sl})
}

type refundResponseBody struct {
	Action   string `json:"action" binding:"required"`
	Evidence string `json:"evidence"`
}

// RespondToRefund handles POST /v1/escrow/:sliceId/refund-response
func (h *Handler) RespondToRefund(c *gin.Context) {
	var req refundResponseBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("action", req.Action, string(RefundAccept), string(RefundReject)),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	evidence := validation.SanitizeString(req.Evidence, validation.MaxStringLength)

	resp, err := h.service.RespondToRefund(c.Request.Context(), c.Param("sliceId"), authz.UserID(c), RefundAction(req.Action), evidence)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
