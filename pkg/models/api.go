package models

import "time"

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// BillingSummary is the read model consumed by dashboards. Always produced
// through the tenancy guard.
type BillingSummary struct {
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	Seats            int        `json:"seats"`
	NextBillingDate  *time.Time `json:"next_billing_date,omitempty"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	OutstandingIssue bool       `json:"outstanding_issue"`
}

// ReconcileResponse is returned by the admin reconcile trigger
type ReconcileResponse struct {
	Status        string   `json:"status"` // ok, discrepancies_found, deferred, error
	Discrepancies []string `json:"discrepancies,omitempty"`
	Details       string   `json:"details,omitempty"`
}
