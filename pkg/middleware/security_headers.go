package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig tunes the browser-facing security headers. Empty
// fields fall back to the JSON-API defaults below.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
	HSTSMaxAgeSeconds     int
}

// DefaultSecurityHeadersConfig returns the defaults for this API. Every
// response is JSON: nothing in it may execute, render, or be framed. The one
// connect-src carve-out lets dashboard code reach the Stripe API for
// tokenized card entry.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy: "default-src 'none'; connect-src 'self' https://api.stripe.com; " +
			"frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
		ReferrerPolicy:    "no-referrer",
		PermissionsPolicy: "camera=(), microphone=(), geolocation=(), payment=()",
		HSTSMaxAgeSeconds: 63072000, // two years
	}
}

// SecurityHeaders sets Content-Security-Policy, Referrer-Policy,
// Permissions-Policy, X-Content-Type-Options, and Strict-Transport-Security
// on every response.
func SecurityHeaders(config SecurityHeadersConfig) echo.MiddlewareFunc {
	defaults := DefaultSecurityHeadersConfig()

	if config.ContentSecurityPolicy == "" {
		config.ContentSecurityPolicy = defaults.ContentSecurityPolicy
	}
	if config.ReferrerPolicy == "" {
		config.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if config.PermissionsPolicy == "" {
		config.PermissionsPolicy = defaults.PermissionsPolicy
	}
	if config.HSTSMaxAgeSeconds == 0 {
		config.HSTSMaxAgeSeconds = defaults.HSTSMaxAgeSeconds
	}
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", config.HSTSMaxAgeSeconds)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Content-Security-Policy", config.ContentSecurityPolicy)
			h.Set("Referrer-Policy", config.ReferrerPolicy)
			h.Set("Permissions-Policy", config.PermissionsPolicy)
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Strict-Transport-Security", hsts)
			return next(c)
		}
	}
}
