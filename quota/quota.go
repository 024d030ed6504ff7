// Package quota implements gate.QuotaService: tier-aware admission control
// over persisted usage records.
//
// Tier caps and restricted-feature sets are static configuration. The free
// tier enforces a lifetime request cap; the community tier enforces a
// monthly cap with a lazy 30-day reset; the premium tier is unlimited.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gate "github.com/unstuckgg/gate-go"
)

// Limits maps each tier to its caps and restricted features.
type Limits map[gate.Tier]gate.TierLimits

// DefaultLimits returns the production tier table: 150 lifetime requests on
// free, 300 monthly requests on community, unlimited on premium. The builds
// feature is premium-only.
func DefaultLimits() Limits {
	return Limits{
		gate.TierFree: {
			MaxTotalRequests:   150,
			RestrictedFeatures: []string{"builds"},
		},
		gate.TierCommunity: {
			MaxMonthlyRequests: 300,
			RestrictedFeatures: []string{"builds"},
		},
		gate.TierPremium: {},
	}
}

// forTier returns the limits for the tier. Unknown tiers are treated as
// unlimited with nothing restricted, matching how unrecognized subscription
// states are billed.
func (l Limits) forTier(t gate.Tier) gate.TierLimits {
	return l[t]
}

// Manager implements gate.QuotaService against a gate.UsageStore.
type Manager struct {
	store  gate.UsageStore
	limits Limits
	logger *slog.Logger
	now    func() time.Time
}

// compile-time check
var _ gate.QuotaService = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithLimits overrides the tier table.
func WithLimits(l Limits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a quota manager over the given usage-record store.
func New(store gate.UsageStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		limits: DefaultLimits(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ResolveRecord returns the usage record for the identity, creating a
// free-tier record with zero counters on first access. On subsequent calls
// the record is returned unchanged except for profile metadata and the
// last-active timestamp.
func (m *Manager) ResolveRecord(ctx context.Context, id *gate.Identity) (*gate.UsageRecord, error) {
	now := m.now()

	rec, err := m.store.Get(ctx, id.Subject)
	if err == nil {
		if err := m.store.Touch(ctx, rec.ID, id.Name, id.Email, now); err != nil {
			// Non-quota metadata only; the admission decision can proceed.
			m.logger.Warn("failed to refresh usage record profile", "record_id", rec.ID, "error", err)
		}
		return rec, nil
	}
	if !errors.Is(err, gate.ErrRecordNotFound) {
		return nil, fmt.Errorf("gate/quota: get record: %w", err)
	}

	rec, err = m.store.Create(ctx, &gate.UsageRecord{
		Subject:      id.Subject,
		Username:     id.Name,
		Email:        id.Email,
		Tier:         gate.TierFree,
		CreatedAt:    now,
		LastActiveAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("gate/quota: create record: %w", err)
	}
	m.logger.Info("created usage record", "record_id", rec.ID)
	return rec, nil
}

// CheckFeatureAccess denies the feature if the record's tier restricts it.
// The check ignores remaining quota entirely.
func (m *Manager) CheckFeatureAccess(rec *gate.UsageRecord, feature string) error {
	if m.limits.forTier(rec.Tier).Restricted(feature) {
		return &gate.FeatureError{Feature: feature, CurrentTier: rec.Tier}
	}
	return nil
}

// CheckRequestLimit returns *gate.QuotaError when the record's cap is
// exhausted. For monthly caps a window that elapsed 30 or more days ago is
// treated as already reset; the actual counter restart happens in
// IncrementUsage. The record is never mutated here.
func (m *Manager) CheckRequestLimit(rec *gate.UsageRecord) error {
	limits := m.limits.forTier(rec.Tier)

	if limits.MaxTotalRequests > 0 && rec.TotalRequests >= limits.MaxTotalRequests {
		return &gate.QuotaError{
			Code: gate.QuotaLifetimeExceeded,
			Message: fmt.Sprintf(
				"You've used all %d requests on the %s tier (%d used, 0 remaining). Upgrade to the community tier for %d requests per month.",
				limits.MaxTotalRequests, rec.Tier, rec.TotalRequests,
				m.limits.forTier(gate.TierCommunity).MaxMonthlyRequests),
			CurrentRequests: rec.TotalRequests,
			MaxRequests:     limits.MaxTotalRequests,
			Tier:            rec.Tier,
			LimitType:       gate.LimitLifetime,
		}
	}

	if limits.MaxMonthlyRequests > 0 {
		reset := gate.MonthlyResetStatus(rec.ResetDate, m.now())
		if reset.Eligible {
			// Counter is logically zero; the restart happens on increment.
			return nil
		}
		if rec.MonthlyRequests >= limits.MaxMonthlyRequests {
			dayWord := "days"
			if reset.DaysUntilReset == 1 {
				dayWord = "day"
			}
			return &gate.QuotaError{
				Code: gate.QuotaMonthlyExceeded,
				Message: fmt.Sprintf(
					"You've used all %d requests this month on the %s tier. Your limit resets in %d %s (on %s).",
					limits.MaxMonthlyRequests, rec.Tier, reset.DaysUntilReset, dayWord,
					reset.NextReset.Format("January 2, 2006")),
				CurrentRequests: rec.MonthlyRequests,
				MaxRequests:     limits.MaxMonthlyRequests,
				Tier:            rec.Tier,
				LimitType:       gate.LimitMonthly,
				DaysUntilReset:  reset.DaysUntilReset,
				ResetDate:       reset.NextReset,
			}
		}
	}

	return nil
}

// IncrementUsage commits one admitted request: lifetime count +1, and for
// monthly-capped tiers either a counter bump or a window restart when the
// 30-day eligibility held. The store applies the mutation atomically against
// the caps, so concurrent requests for one identity cannot jointly exceed
// them.
func (m *Manager) IncrementUsage(ctx context.Context, rec *gate.UsageRecord) (*gate.UsageRecord, error) {
	updated, err := m.store.IncrementUsage(ctx, rec.ID, m.limits.forTier(rec.Tier), m.now())
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// QuotaInfo projects the record's remaining allowance without mutating
// anything, using the same reset eligibility as CheckRequestLimit.
func (m *Manager) QuotaInfo(rec *gate.UsageRecord) gate.QuotaInfo {
	limits := m.limits.forTier(rec.Tier)

	switch {
	case limits.MaxTotalRequests > 0:
		remaining := limits.MaxTotalRequests - rec.TotalRequests
		if remaining < 0 {
			remaining = 0
		}
		return gate.QuotaInfo{
			Remaining:   remaining,
			MaxRequests: limits.MaxTotalRequests,
			LimitType:   gate.LimitLifetime,
		}

	case limits.MaxMonthlyRequests > 0:
		reset := gate.MonthlyResetStatus(rec.ResetDate, m.now())
		remaining := limits.MaxMonthlyRequests
		if !reset.Eligible {
			remaining -= rec.MonthlyRequests
			if remaining < 0 {
				remaining = 0
			}
		}
		return gate.QuotaInfo{
			Remaining:   remaining,
			MaxRequests: limits.MaxMonthlyRequests,
			LimitType:   gate.LimitMonthly,
			ResetDate:   reset.NextReset,
		}

	default:
		return gate.QuotaInfo{
			Remaining:   unlimitedSentinel,
			MaxRequests: unlimitedSentinel,
			LimitType:   gate.LimitUnlimited,
		}
	}
}

// unlimitedSentinel is what unlimited tiers report as remaining/cap in
// projections, so clients always receive numbers.
const unlimitedSentinel = 999999

// SubscriptionStatus is the serializable view of a usage record for the
// subscription status endpoint.
type SubscriptionStatus struct {
	Tier            gate.Tier      `json:"tier"`
	TotalRequests   int            `json:"total_requests"`
	MonthlyRequests int            `json:"monthly_requests"`
	Quota           gate.QuotaInfo `json:"quota"`
}

// SubscriptionStatus projects the record's tier, raw counters, and remaining
// allowance.
func (m *Manager) SubscriptionStatus(rec *gate.UsageRecord) SubscriptionStatus {
	return SubscriptionStatus{
		Tier:            rec.Tier,
		TotalRequests:   rec.TotalRequests,
		MonthlyRequests: rec.MonthlyRequests,
		Quota:           m.QuotaInfo(rec),
	}
}

// ChangeTier moves the record to a new tier, zeroing the monthly counter and
// re-anchoring its window. Lifetime counters are preserved.
func (m *Manager) ChangeTier(ctx context.Context, rec *gate.UsageRecord, tier gate.Tier) (*gate.UsageRecord, error) {
	if rec.Tier == tier {
		return rec, nil
	}
	updated, err := m.store.UpdateTier(ctx, rec.ID, tier, m.now())
	if err != nil {
		return nil, fmt.Errorf("gate/quota: update tier: %w", err)
	}
	m.logger.Info("usage record tier changed",
		"record_id", rec.ID, "from", rec.Tier, "to", tier)
	return updated, nil
}
