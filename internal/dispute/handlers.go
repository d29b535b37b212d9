package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes for the parties.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/disputes", validation.IDParamMiddleware("sliceId"))
	g.GET("/:sliceId", h.GetDispute)
	g.POST("/:sliceId/evidence", authz.Require(authz.CapTransact), h.SubmitEvidence)
}

// RegisterAdminRoutes sets up adjudication routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/disputes", authz.Require(authz.CapAdjudicate), validation.IDParamMiddleware("sliceId"))
	g.GET("", h.ListDisputes)
	g.POST("/:sliceId/deliberate", h.Deliberate)
	g.POST("/:sliceId/finalize", h.Finalize)
}

// GetDispute handles GET /v1/disputes/:sliceId
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("sliceId"))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	p, _ := authz.FromContext(c)
	if p.UserID != d.ClientID && p.UserID != d.ProviderID && !p.Can(authz.CapAdjudicate) {
		apperr.Render(c, apperr.NotFound("no dispute for slice %s", d.SliceID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/admin/disputes?status=&limit=
// status defaults to deliberating.
func (h *Handler) ListDisputes(c *gin.Context) {
	status := ledger.DisputeStatus(c.DefaultQuery("status", string(ledger.DisputeDeliberating)))
	if errs := validation.Validate(validation.OneOf("status", string(status),
		string(ledger.DisputeOpen), string(ledger.DisputeDeliberating), string(ledger.DisputeSplitDecision),
		string(ledger.DisputeResolvedRelease), string(ledger.DisputeResolvedRefund),
	)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	out, err := h.service.List(c.Request.Context(), status, limit)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out, "count": len(out)})
}

type evidenceBody struct {
	Content string `json:"content"`
}

// SubmitEvidence handles POST /v1/disputes/:sliceId/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	content := validation.SanitizeString(req.Content, validation.MaxStringLength)

	d, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("sliceId"), authz.UserID(c), content)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Deliberate handles POST /v1/admin/disputes/:sliceId/deliberate
func (h *Handler) Deliberate(c *gin.Context) {
	d, err := h.service.Deliberate(c.Request.Context(), c.Param("sliceId"))
	var incomplete *apperr.ConsensusIncompleteError
	if errors.As(err, &incomplete) {
		// Verdicts were recorded; the case stays deliberating.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   apperr.CodeConsensusIncomplete,
			"message": incomplete.Error(),
			"dispute": d,
		})
		return
	}
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type finalizeBody struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note"`
}

// Finalize handles POST /v1/admin/disputes/:sliceId/finalize
func (h *Handler) Finalize(c *gin.Context) {
	var req finalizeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("decision", req.Decision, string(ledger.DecisionRelease), string(ledger.DecisionRefund)),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	note := validation.SanitizeString(req.Note, validation.MaxStringLength)

	st, err := h.service.Finalize(c.Request.Context(), c.Param("sliceId"), authz.UserID(c), ledger.Decision(req.Decision), note)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": st})
}
