package comments

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/slicepay/internal/apperr"
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/validation"
)

// Handler provides HTTP endpoints for comment ingestion.
type Handler struct {
	service *Service
}

// NewHandler creates a new comment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up comment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/comments", validation.IDParamMiddleware("id"))
	g.POST("", authz.Require(authz.CapTransact), h.Record)
	g.POST("/:id/hearts", authz.Require(authz.CapTransact), h.Heart)
	g.POST("/:id/helpful", authz.Require(authz.CapCurate), h.MarkHelpful)
}

// Record handles POST /v1/comments
func (h *Handler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.ValidID("requestId", req.RequestID)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	req.AuthorID = authz.UserID(c)

	cm, err := h.service.Record(c.Request.Context(), req)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": cm})
}

type helpfulBody struct {
	SavingsScore int64 `json:"savingsScore"`
}

// MarkHelpful handles POST /v1/comments/:id/helpful
func (h *Handler) MarkHelpful(c *gin.Context) {
	var req helpfulBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.NonNegative("savingsScore", req.SavingsScore)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	cm, err := h.service.MarkHelpful(c.Request.Context(), c.Param("id"), req.SavingsScore)
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comment": cm})
}

// Heart handles POST /v1/comments/:id/hearts
func (h *Handler) Heart(c *gin.Context) {
	cm, err := h.service.Heart(c.Request.Context(), c.Param("id"), authz.UserID(c))
	if err != nil {
		apperr.Render(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comment": cm})
}
