package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/StudioEly/koomy-saas2-sub001/internal/middleware"
	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
	"github.com/StudioEly/koomy-saas2-sub001/internal/repository"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

// MembershipHandler handles membership and claim code HTTP requests
type MembershipHandler struct {
	claimSvc      *services.ClaimService
	membershipSvc *services.MembershipService
}

// NewMembershipHandler creates a new membership handler
func NewMembershipHandler(claimSvc *services.ClaimService, membershipSvc *services.MembershipService) *MembershipHandler {
	return &MembershipHandler{
		claimSvc:      claimSvc,
		membershipSvc: membershipSvc,
	}
}

// CreateMembershipRequest is the body of POST /api/memberships
type CreateMembershipRequest struct {
	CommunityID string  `json:"communityId" binding:"required"`
	DisplayName string  `json:"displayName" binding:"required"`
	Email       string  `json:"email"`
	Section     string  `json:"section"`
	Role        string  `json:"role"`
	AdminRole   string  `json:"adminRole"`
	MemberID    string  `json:"memberId"`
	UserID      *string `json:"userId"`
}

// ClaimRequest is the body of POST /api/memberships/claim
type ClaimRequest struct {
	ClaimCode string `json:"claimCode" binding:"required"`
	AccountID string `json:"accountId" binding:"required"`
}

// UpdateStatusRequest is the body of PATCH /api/memberships/:id/status
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// VerifyCode reports what a claim code would bind to
// GET /api/memberships/verify/:code
func (h *MembershipHandler) VerifyCode(c *gin.Context) {
	result, err := h.claimSvc.VerifyCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Claim code is valid", result)
}

// ClaimCode redeems a claim code for an account
// POST /api/memberships/claim
func (h *MembershipHandler) ClaimCode(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ServiceErrorResponse(c, services.NewValidationError("body", "Invalid request body: "+err.Error(), nil))
		return
	}

	membership, err := h.claimSvc.ClaimCode(c.Request.Context(), req.ClaimCode, req.AccountID)
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Membership claimed", membership)
}

// CreateMembership issues a new membership and its claim code
// POST /api/memberships
func (h *MembershipHandler) CreateMembership(c *gin.Context) {
	var req CreateMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ServiceErrorResponse(c, services.NewValidationError("body", "Invalid request body: "+err.Error(), nil))
		return
	}

	communityID, err := uuid.Parse(req.CommunityID)
	if err != nil {
		ServiceErrorResponse(c, services.NewValidationError("communityId", "Invalid community ID", nil))
		return
	}

	role, err := models.ParseRoleSpec(req.Role, req.AdminRole)
	if err != nil {
		ServiceErrorResponse(c, services.NewValidationError("role", err.Error(), nil))
		return
	}

	draft := services.MembershipDraft{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Section:     req.Section,
		Role:        role,
		MemberID:    req.MemberID,
		UserID:      req.UserID,
	}

	issued, err := h.membershipSvc.CreateMember(c.Request.Context(), communityID, draft, actorFromContext(c))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, "Membership created", issued)
}

// GetMembership returns a membership with its claim state
// GET /api/memberships/:id
func (h *MembershipHandler) GetMembership(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "Invalid membership ID")
	if !ok {
		return
	}

	membership, err := h.membershipSvc.GetMembership(c.Request.Context(), id, actorFromContext(c))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Membership retrieved", membership)
}

// RegenerateCode issues a fresh code for an unclaimed membership
// POST /api/memberships/:id/regenerate-code
func (h *MembershipHandler) RegenerateCode(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "Invalid membership ID")
	if !ok {
		return
	}

	issued, err := h.membershipSvc.RegenerateCode(c.Request.Context(), id, actorFromContext(c))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Claim code regenerated", issued)
}

// UpdateStatus changes the membership lifecycle status
// PATCH /api/memberships/:id/status
func (h *MembershipHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id", "Invalid membership ID")
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ServiceErrorResponse(c, services.NewValidationError("body", "Invalid request body: "+err.Error(), nil))
		return
	}

	membership, err := h.membershipSvc.UpdateStatus(c.Request.Context(), id, models.MembershipStatus(req.Status), actorFromContext(c))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Membership status updated", membership)
}

// ListCommunityMemberships pages through a community's memberships
// GET /api/communities/:id/memberships
func (h *MembershipHandler) ListCommunityMemberships(c *gin.Context) {
	communityID, ok := parseUUIDParam(c, "id", "Invalid community ID")
	if !ok {
		return
	}

	filter := repository.MembershipFilter{
		Status:  models.MembershipStatus(c.Query("status")),
		Section: c.Query("section"),
		Role:    models.MembershipRole(c.Query("role")),
	}
	if raw := c.Query("claimed"); raw != "" {
		claimed, err := strconv.ParseBool(raw)
		if err != nil {
			ServiceErrorResponse(c, services.NewValidationError("claimed", "Invalid claimed filter", nil))
			return
		}
		filter.Claimed = &claimed
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	memberships, total, err := h.membershipSvc.ListCommunityMemberships(c.Request.Context(), communityID, filter, actorFromContext(c))
	if err != nil {
		ServiceErrorResponse(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, "Memberships retrieved", gin.H{
		"memberships": memberships,
		"total":       total,
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

// actorFromContext never returns nil: HTTP callers without an identity are refused by the service
func actorFromContext(c *gin.Context) *services.Actor {
	return &services.Actor{
		MembershipID:  middleware.GetActorMembershipID(c),
		PlatformOwner: middleware.IsPlatformOwner(c),
	}
}

func parseUUIDParam(c *gin.Context, name, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ServiceErrorResponse(c, services.NewValidationError(name, message, nil))
		return uuid.Nil, false
	}
	return id, true
}
