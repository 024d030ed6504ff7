package gate

import (
	"strings"
	"time"
)

// Identity is the normalized result of verifying a bearer token.
// It is created per request, never stored, and safe to share read-only.
type Identity struct {
	Subject     string
	Email       string
	Name        string
	Permissions []string
}

// HasPermission reports whether the identity carries the given permission.
func (id *Identity) HasPermission(permission string) bool {
	for _, p := range id.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// MergePermissions combines a space-delimited scope string and an explicit
// permissions list into a single deduplicated list. Order is preserved and
// the first occurrence of a duplicate wins.
func MergePermissions(scope string, permissions []string) []string {
	merged := make([]string, 0, len(permissions))
	seen := make(map[string]bool)

	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		merged = append(merged, p)
	}

	for _, p := range strings.Fields(scope) {
		add(p)
	}
	for _, p := range permissions {
		add(p)
	}
	return merged
}

// Tier is a subscription level determining quota caps and feature access.
type Tier string

const (
	TierFree      Tier = "free"
	TierCommunity Tier = "community"
	TierPremium   Tier = "premium"
)

// Limit types reported in quota projections and rejection bodies.
const (
	LimitLifetime  = "lifetime"
	LimitMonthly   = "monthly"
	LimitUnlimited = "unlimited"
)

// TierLimits is the static configuration for one tier. A zero cap means
// the corresponding limit does not apply.
type TierLimits struct {
	MaxTotalRequests   int
	MaxMonthlyRequests int
	RestrictedFeatures []string
}

// Restricted reports whether the feature is denied on this tier.
func (l TierLimits) Restricted(feature string) bool {
	for _, f := range l.RestrictedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// UsageRecord is the persisted per-identity usage row. It is created lazily
// on first authenticated access and mutated on every admitted request.
type UsageRecord struct {
	ID       string
	Subject  string // external identity subject (e.g. Auth0 user id)
	Username string
	Email    string

	Tier            Tier
	TotalRequests   int
	MonthlyRequests int

	// ResetDate anchors the monthly counter window. Nil until the first
	// increment on an elevated tier.
	ResetDate *time.Time

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// QuotaInfo is a read-only projection of a record's remaining allowance,
// used for response headers and subscription status endpoints.
type QuotaInfo struct {
	Remaining   int        `json:"remaining_requests"`
	MaxRequests int        `json:"max_requests"`
	LimitType   string     `json:"limit_type"`
	ResetDate   *time.Time `json:"reset_date,omitempty"`
}
