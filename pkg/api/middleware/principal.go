package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/tallyops/tally/pkg/models"
)

// PrincipalHeader carries the authenticated user id, set by the edge gateway
// after it has validated the session. This service never sees credentials.
const PrincipalHeader = "X-User-ID"

// Principal extracts the authenticated user id from the gateway header and
// stores it in the request context as "user_id". Requests without a valid
// principal are rejected before any handler runs.
func Principal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(PrincipalHeader)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "missing_principal",
					Message: "Authentication required.",
				})
			}

			userID, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || userID == 0 {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "invalid_principal",
					Message: "Authentication required.",
				})
			}

			c.Set("user_id", uint(userID))
			return next(c)
		}
	}
}
