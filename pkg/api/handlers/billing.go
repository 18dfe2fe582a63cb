package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	apierrors "github.com/tallyops/tally/pkg/api/errors"
	"github.com/tallyops/tally/pkg/billing"
	"github.com/tallyops/tally/pkg/tenancy"
)

// Webhook payloads above this size are rejected before signature verification
const maxWebhookBody = 1 << 16 // 64 KB, matches Stripe's own limit

// BillingHandler handles billing-related requests
type BillingHandler struct {
	pipeline *billing.Pipeline
	store    *billing.Store
	guard    *tenancy.Guard
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(pipeline *billing.Pipeline, store *billing.Store, guard *tenancy.Guard) *BillingHandler {
	return &BillingHandler{
		pipeline: pipeline,
		store:    store,
		guard:    guard,
	}
}

// HandleStripeWebhook godoc
// @Summary Receive Stripe webhook
// @Description Verify and apply a signed billing event
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} models.SuccessResponse "Event recorded"
// @Failure 400 {object} models.ErrorResponse "Bad signature or payload"
// @Failure 500 {object} models.ErrorResponse "Event could not be recorded"
// @Router /billing/webhook [post]
func (h *BillingHandler) HandleStripeWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return apierrors.ValidationError(c, err)
	}
	if len(payload) > maxWebhookBody {
		return apierrors.ValidationError(c, errors.New("webhook payload too large"))
	}

	signature := c.Request().Header.Get("Stripe-Signature")

	// 2xx only after the event is durably recorded (or durably no-oped);
	// anything else makes Stripe retry, which deduplication renders safe.
	if err := h.pipeline.Handle(ctx, payload, signature); err != nil {
		if errors.Is(err, billing.ErrSignature) {
			return apierrors.UnauthorizedError(c, "webhook signature verification failed")
		}
		return apierrors.InternalError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// GetBillingSummary godoc
// @Summary Billing summary
// @Description Plan, status, seats and renewal info for one organization
// @Tags billing
// @Produce json
// @Security GatewayAuth
// @Param org_id path int true "Organization ID"
// @Success 200 {object} models.BillingSummary
// @Failure 403 {object} models.ErrorResponse "No active membership"
// @Router /organizations/{org_id}/billing [get]
func (h *BillingHandler) GetBillingSummary(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(uint)

	var orgID uint
	if err := echo.PathParamsBinder(c).Uint("org_id", &orgID).BindError(); err != nil {
		return apierrors.ValidationError(c, err)
	}

	scope, err := h.guard.Resolve(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, tenancy.ErrTenancy) {
			return apierrors.ForbiddenError(c, err.Error())
		}
		return apierrors.DatabaseError(c, err)
	}

	summary, err := h.store.Summary(ctx, scope)
	if err != nil {
		if errors.Is(err, billing.ErrOrganizationNotFound) {
			return apierrors.NotFoundError(c, "organization")
		}
		return apierrors.DatabaseError(c, err)
	}

	return c.JSON(http.StatusOK, summary)
}
