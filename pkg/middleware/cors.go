package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4/middleware"
)

// AllowedOrigins is the exact, restrictive origin list. No wildcards.
var AllowedOrigins = []string{
	"http://localhost:5173",   // Development (dashboard dev server)
	"http://localhost:8080",   // Development (docker-compose)
	"https://tallyops.io",     // Production
	"https://app.tallyops.io", // Production dashboard
}

// AllowedMethods for cross-origin requests. OPTIONS is handled by the
// middleware itself for preflight and is intentionally absent.
var AllowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// AllowedHeaders for cross-origin requests
var AllowedHeaders = []string{
	"Origin",
	"Content-Type",
	"Accept",
	"Authorization",
}

// CORSConfig returns the CORS configuration used by the application.
// Centralised here so that both main.go and tests reference the same config.
func CORSConfig() middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowOrigins:     AllowedOrigins,
		AllowMethods:     AllowedMethods,
		AllowCredentials: true,
		AllowHeaders:     AllowedHeaders,
	}
}
