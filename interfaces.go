package gate

import (
	"context"
	"time"
)

// TokenVerifier verifies bearer tokens and produces a normalized Identity.
// Implementations: jwks/ (RS256 via JWKS), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the token and returns the identity it proves.
	// Failures are *AuthError or *ServiceUnavailableError.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// RateLimiter bounds raw request volume per key, independent of tier.
// Implementations: ratelimit/ (in-memory sliding window).
type RateLimiter interface {
	// IsLimited evaluates the key against a sliding window. When not
	// limited the current request is counted and the updated in-window
	// count is returned. retryAfterSeconds reports how long until the
	// oldest counted request leaves the window; on a rejection that is
	// when to retry, on an admission it is when the window fully clears.
	IsLimited(key string, limit int, window time.Duration) (limited bool, current int, retryAfterSeconds int)
}

// QuotaService is tier-aware admission control over persisted usage records.
// Implementations: quota/.
type QuotaService interface {
	// ResolveRecord returns the usage record for the identity, creating a
	// free-tier record on first access. Idempotent; non-quota profile
	// metadata may be refreshed.
	ResolveRecord(ctx context.Context, id *Identity) (*UsageRecord, error)

	// CheckFeatureAccess returns *FeatureError if the feature is in the
	// record's tier restriction set, regardless of remaining quota.
	CheckFeatureAccess(rec *UsageRecord, feature string) error

	// CheckRequestLimit returns *QuotaError when the record's lifetime or
	// monthly cap is exhausted. It never mutates the record.
	CheckRequestLimit(rec *UsageRecord) error

	// IncrementUsage commits one admitted request against the record and
	// returns the updated record. Must run only after CheckFeatureAccess
	// and CheckRequestLimit passed for the same record snapshot.
	IncrementUsage(ctx context.Context, rec *UsageRecord) (*UsageRecord, error)

	// QuotaInfo is a read-only projection of the record's remaining
	// allowance for response metadata.
	QuotaInfo(rec *UsageRecord) QuotaInfo

	// ChangeTier moves the record to a new tier, restarting its monthly
	// counter window. Billing decisions stay with the caller.
	ChangeTier(ctx context.Context, rec *UsageRecord, tier Tier) (*UsageRecord, error)
}

// UsageStore is the persisted usage-record collaborator.
// Implementations: sqlitestore/ (SQLite), fake/ (in-memory, testing).
type UsageStore interface {
	// Get returns the record for the external subject id, or
	// ErrRecordNotFound.
	Get(ctx context.Context, subject string) (*UsageRecord, error)

	// Create inserts the record, assigning its ID when empty.
	Create(ctx context.Context, rec *UsageRecord) (*UsageRecord, error)

	// Touch refreshes non-quota profile metadata and the last-active time.
	Touch(ctx context.Context, id, username, email string, now time.Time) error

	// IncrementUsage applies the counter mutation for one admitted request:
	// lifetime count +1, and either monthly count +1 or a window restart
	// (monthly count 1, reset date now) when the monthly window anchored at
	// the record's reset date has elapsed or was never initialized.
	// Implementations must apply the mutation atomically against the given
	// caps and return *QuotaError if a concurrent request exhausted them.
	IncrementUsage(ctx context.Context, id string, limits TierLimits, now time.Time) (*UsageRecord, error)

	// UpdateTier moves the record to a new tier with zeroed monthly
	// counters and a fresh window anchor.
	UpdateTier(ctx context.Context, id string, tier Tier, now time.Time) (*UsageRecord, error)
}
