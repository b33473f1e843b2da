package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

// CommunityHandler handles plan and quota HTTP requests
type CommunityHandler struct {
	quotaSvc *services.QuotaService
}

// NewCommunityHandler creates a new community handler
func NewCommunityHandler(quotaSvc *services.QuotaService) *CommunityHandler {
	return &CommunityHandler{quotaSvc: quotaSvc}
}

// ChangePlanRequest is the body of PATCH /api/communities/:id/plan
type ChangePlanRequest struct {
	PlanID string `json:"planId" binding:"required"`
}

// GetQuota reports whether the community can add another billable member
// GET /api/communities/:id/quota
func (h *CommunityHandler) GetQuota(c *gin.Context) {
	communityID, ok := parseUUIDParam(c, "id", "Invalid community ID")
	if !ok {
		return
	}

	quota, err := h.quotaSvc.CheckQuota(c.Request.Context(), communityID)
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Quota retrieved", quota)
}

// ChangePlan moves the community to another plan
// PATCH /api/communities/:id/plan
func (h *CommunityHandler) ChangePlan(c *gin.Context) {
	communityID, ok := parseUUIDParam(c, "id", "Invalid community ID")
	if !ok {
		return
	}

	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ServiceErrorResponse(c, services.NewValidationError("body", "Invalid request body: "+err.Error(), nil))
		return
	}

	community, err := h.quotaSvc.ChangePlan(c.Request.Context(), communityID, req.PlanID)
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Plan changed", community)
}

// ListPlans returns the active plan catalog
// GET /api/plans
func (h *CommunityHandler) ListPlans(c *gin.Context) {
	plans, err := h.quotaSvc.ListPlans(c.Request.Context())
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Plans retrieved", gin.H{
		"plans": plans,
		"count": len(plans),
	})
}
