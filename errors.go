package gate

import (
	"errors"
	"fmt"
	"time"
)

// ErrRecordNotFound is returned by UsageStore.Get when no record exists for
// the subject.
var ErrRecordNotFound = errors.New("gate: usage record not found")

// Authentication failure codes carried by AuthError.
const (
	AuthInvalidHeader    = "invalid_header"
	AuthTokenExpired     = "token_expired"
	AuthInvalidAudience  = "invalid_audience"
	AuthInvalidIssuer    = "invalid_issuer"
	AuthInvalidSignature = "invalid_signature"
	AuthInvalidToken     = "invalid_token"
)

// AuthError is a terminal authentication failure. Code is one of the
// Auth* constants and is safe to return to the caller verbatim.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gate: authentication failed (%s): %s", e.Code, e.Description)
}

// ServiceUnavailableError indicates the issuer's key-set endpoint could not
// be reached. The request fails immediately; no retry happens inside the SDK.
type ServiceUnavailableError struct {
	Cause error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("gate: key set unavailable: %v", e.Cause)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Cause }

// RateLimitError is a transport-level throttle rejection.
type RateLimitError struct {
	CurrentRequests int
	Limit           int
	WindowSeconds   int
	RetryAfter      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gate: rate limit exceeded, retry in %d seconds", e.RetryAfter)
}

// Quota failure codes carried by QuotaError.
const (
	QuotaLifetimeExceeded = "request_limit_exceeded"
	QuotaMonthlyExceeded  = "monthly_request_limit_exceeded"
)

// QuotaError is a tier quota exhaustion. DaysUntilReset and ResetDate are
// set only for monthly limits.
type QuotaError struct {
	Code            string
	Message         string
	CurrentRequests int
	MaxRequests     int
	Tier            Tier
	LimitType       string
	DaysUntilReset  int
	ResetDate       *time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("gate: %s: %d/%d requests used on %s tier",
		e.Code, e.CurrentRequests, e.MaxRequests, e.Tier)
}

// FeatureError is a tier feature restriction. It is independent of
// remaining quota.
type FeatureError struct {
	Feature     string
	CurrentTier Tier
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("gate: feature %q is not available on %s tier", e.Feature, e.CurrentTier)
}
