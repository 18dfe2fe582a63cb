package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callPrincipal(t *testing.T, header string) (*httptest.ResponseRecorder, interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/1", nil)
	if header != "" {
		req.Header.Set(PrincipalHeader, header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var captured interface{}
	handler := Principal()(func(c echo.Context) error {
		captured = c.Get("user_id")
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, captured
}

func TestPrincipal_ValidHeader(t *testing.T) {
	rec, captured := callPrincipal(t, "42")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	assert.Equal(t, uint(42), captured.(uint))
}

func TestPrincipal_MissingHeader(t *testing.T) {
	rec, captured := callPrincipal(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, captured)
}

func TestPrincipal_MalformedHeader(t *testing.T) {
	for _, bad := range []string{"abc", "-3", "0", "1.5"} {
		rec, captured := callPrincipal(t, bad)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q must be rejected", bad)
		assert.Nil(t, captured)
	}
}
