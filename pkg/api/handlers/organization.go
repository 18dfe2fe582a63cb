package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	apierrors "github.com/tallyops/tally/pkg/api/errors"
	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/models"
	"github.com/tallyops/tally/pkg/organization"
	"github.com/tallyops/tally/pkg/tenancy"
)

// OrganizationHandler handles organization and membership requests
type OrganizationHandler struct {
	service  *organization.Service
	guard    *tenancy.Guard
	validate *validator.Validate
}

// NewOrganizationHandler creates a new organization handler
func NewOrganizationHandler(service *organization.Service, guard *tenancy.Guard) *OrganizationHandler {
	return &OrganizationHandler{
		service:  service,
		guard:    guard,
		validate: validator.New(),
	}
}

// scope resolves the path organization for the authenticated principal
func (h *OrganizationHandler) scope(c echo.Context) (tenancy.Scope, uint, error) {
	userID := c.Get("user_id").(uint)

	var orgID uint
	if err := echo.PathParamsBinder(c).Uint("org_id", &orgID).BindError(); err != nil {
		return tenancy.Scope{}, 0, apierrors.ValidationError(c, err)
	}

	scope, err := h.guard.Resolve(c.Request().Context(), userID, orgID)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenancy) {
			return tenancy.Scope{}, 0, apierrors.ForbiddenError(c, err.Error())
		}
		return tenancy.Scope{}, 0, apierrors.DatabaseError(c, err)
	}
	return scope, orgID, nil
}

// CreateOrganization godoc
// @Summary Create organization
// @Tags organizations
// @Accept json
// @Produce json
// @Security GatewayAuth
// @Success 201 {object} models.Organization
// @Router /organizations [post]
func (h *OrganizationHandler) CreateOrganization(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(uint)

	var req organization.CreateOrganizationRequest
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validate.Struct(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	org, err := h.service.CreateOrganization(ctx, userID, req)
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}
	return c.JSON(http.StatusCreated, org)
}

// GetOrganization godoc
// @Summary Get organization
// @Tags organizations
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 200 {object} models.Organization
// @Router /organizations/{org_id} [get]
func (h *OrganizationHandler) GetOrganization(c echo.Context) error {
	scope, _, err := h.scope(c)
	if err != nil {
		return err
	}

	org, err := h.service.GetOrganization(c.Request().Context(), scope)
	if err != nil {
		if errors.Is(err, organization.ErrNotFound) {
			return apierrors.NotFoundError(c, "organization")
		}
		return apierrors.DatabaseError(c, err)
	}
	return c.JSON(http.StatusOK, org)
}

// ListMembers godoc
// @Summary List members
// @Tags organizations
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 200 {object} map[string]interface{}
// @Router /organizations/{org_id}/members [get]
func (h *OrganizationHandler) ListMembers(c echo.Context) error {
	scope, _, err := h.scope(c)
	if err != nil {
		return err
	}

	members, err := h.service.ListMembers(c.Request().Context(), scope)
	if err != nil {
		return apierrors.DatabaseError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"members": members,
		"count":   len(members),
	})
}

// InviteMember godoc
// @Summary Invite a member
// @Description Invite a user; fails when the plan has no seat headroom
// @Tags organizations
// @Accept json
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 201 {object} models.Membership
// @Failure 409 {object} models.ErrorResponse "Seat limit reached or already invited"
// @Router /organizations/{org_id}/members [post]
func (h *OrganizationHandler) InviteMember(c echo.Context) error {
	scope, _, err := h.scope(c)
	if err != nil {
		return err
	}

	var req struct {
		UserID uint   `json:"user_id" validate:"required"`
		Role   string `json:"role" validate:"omitempty,oneof=owner admin member"`
	}
	if err := c.Bind(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}
	if err := h.validate.Struct(&req); err != nil {
		return apierrors.ValidationError(c, err)
	}

	m, err := h.service.InviteMember(c.Request().Context(), scope, req.UserID, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, organization.ErrSeatLimit):
			return apierrors.ConflictError(c, "The plan's seat limit has been reached.")
		case errors.Is(err, billing.ErrTransient):
			return apierrors.BillingUnavailableError(c, err)
		default:
			return apierrors.DatabaseError(c, err)
		}
	}
	return c.JSON(http.StatusCreated, m)
}

// AcceptInvitation godoc
// @Summary Accept an invitation
// @Tags organizations
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 200 {object} models.SuccessResponse
// @Router /organizations/{org_id}/members/accept [post]
func (h *OrganizationHandler) AcceptInvitation(c echo.Context) error {
	userID := c.Get("user_id").(uint)

	var orgID uint
	if err := echo.PathParamsBinder(c).Uint("org_id", &orgID).BindError(); err != nil {
		return apierrors.ValidationError(c, err)
	}

	// The invitee has no active membership yet, so the scope comes from the
	// system resolver; the invitation row itself is the authorization.
	scope, err := h.guard.ResolveSystem(c.Request().Context(), orgID)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenancy) {
			return apierrors.NotFoundError(c, "organization")
		}
		return apierrors.DatabaseError(c, err)
	}

	if err := h.service.AcceptInvitation(c.Request().Context(), scope, userID); err != nil {
		if errors.Is(err, organization.ErrNotFound) {
			return apierrors.NotFoundError(c, "invitation")
		}
		return apierrors.DatabaseError(c, err)
	}
	return c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "Invitation accepted"})
}

// RemoveMember godoc
// @Summary Remove a member
// @Tags organizations
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Param user_id path int true "User ID"
// @Success 200 {object} models.SuccessResponse
// @Router /organizations/{org_id}/members/{user_id} [delete]
func (h *OrganizationHandler) RemoveMember(c echo.Context) error {
	scope, _, err := h.scope(c)
	if err != nil {
		return err
	}

	var userID uint
	if err := echo.PathParamsBinder(c).Uint("user_id", &userID).BindError(); err != nil {
		return apierrors.ValidationError(c, err)
	}

	if err := h.service.RemoveMember(c.Request().Context(), scope, userID); err != nil {
		switch {
		case errors.Is(err, organization.ErrNotFound):
			return apierrors.NotFoundError(c, "membership")
		case errors.Is(err, organization.ErrLastOwner):
			return apierrors.ConflictError(c, "An organization must keep at least one owner.")
		default:
			return apierrors.DatabaseError(c, err)
		}
	}
	return c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "Member removed"})
}
