package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	apierrors "github.com/tallyops/tally/pkg/api/errors"
	"github.com/tallyops/tally/pkg/models"
	"github.com/tallyops/tally/pkg/reconcile"
)

// AdminHandler exposes operational actions. Routes are mounted behind the
// gateway's staff-only ACL in addition to the principal middleware.
type AdminHandler struct {
	engine *reconcile.Engine
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(engine *reconcile.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

// ReconcileOrganization godoc
// @Summary Reconcile one organization
// @Description Compare local billing state with the provider and self-heal
// @Tags admin
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 200 {object} models.ReconcileResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /admin/reconcile/{org_id} [post]
func (h *AdminHandler) ReconcileOrganization(c echo.Context) error {
	ctx := c.Request().Context()

	var orgID uint
	if err := echo.PathParamsBinder(c).Uint("org_id", &orgID).BindError(); err != nil {
		return apierrors.ValidationError(c, err)
	}

	result, err := h.engine.ReconcileOrganization(ctx, orgID)
	if err != nil {
		resp := models.ReconcileResponse{Status: reconcile.StatusError}
		if result != nil {
			resp.Status = result.Status
			resp.Discrepancies = result.Discrepancies
		}
		resp.Details = "reconciliation failed, see server logs"
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp := models.ReconcileResponse{
		Status:        result.Status,
		Discrepancies: result.Discrepancies,
	}
	if result.Status == reconcile.StatusDeferred {
		resp.Details = "a seat synchronization is in flight, retry shortly"
	}
	return c.JSON(http.StatusOK, resp)
}
