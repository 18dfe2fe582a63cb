package errors

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/tallyops/tally/pkg/models"
)

// Handlers respond through these helpers so internal details (driver errors,
// provider payloads, stack fragments) are logged but never leave the process.

// ValidationError returns 400 with a generic message
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "The request could not be processed. Please check your input and try again.",
	})
}

// DatabaseError returns 500 with a generic message
func DatabaseError(c echo.Context, err error) error {
	log.Printf("[DATABASE ERROR] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: "A storage error occurred. Please try again later.",
	})
}

// InternalError returns 500 with a generic message
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An unexpected error occurred. Please try again later.",
	})
}

// BillingUnavailableError returns 503 for transient provider failures.
// The retry happens automatically; the caller only needs to know it is safe
// to try again.
func BillingUnavailableError(c echo.Context, err error) error {
	log.Printf("[BILLING ERROR] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
		Error:   "billing_unavailable",
		Message: "Billing action temporarily unavailable, retried automatically.",
	})
}

// UnauthorizedError returns 401. The reason is logged, not returned.
func UnauthorizedError(c echo.Context, reason string) error {
	log.Printf("[UNAUTHORIZED] %s %s: %s", c.Request().Method, c.Request().URL.Path, reason)
	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "Authentication required.",
	})
}

// ForbiddenError returns 403. The reason is logged, not returned.
func ForbiddenError(c echo.Context, reason string) error {
	log.Printf("[FORBIDDEN] %s %s: %s", c.Request().Method, c.Request().URL.Path, reason)
	return c.JSON(http.StatusForbidden, models.ErrorResponse{
		Error:   "forbidden",
		Message: "You do not have access to this resource.",
	})
}

// NotFoundError returns 404 with a generic message
func NotFoundError(c echo.Context, resource string) error {
	log.Printf("[NOT FOUND] %s %s: %s", c.Request().Method, c.Request().URL.Path, resource)
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}

// ConflictError returns 409. Unlike the others the message is caller-provided
// since conflicts are actionable by the client.
func ConflictError(c echo.Context, message string) error {
	log.Printf("[CONFLICT] %s %s: %s", c.Request().Method, c.Request().URL.Path, message)
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message,
	})
}
