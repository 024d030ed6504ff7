// Package fake provides in-memory implementations of the gate interfaces
// for testing.
//
// Use fake.NewVerifier and fake.NewStore in unit tests to avoid network
// calls and external dependencies.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	gate "github.com/unstuckgg/gate-go"
)

// Verifier is an in-memory gate.TokenVerifier mapping literal token strings
// to identities.
type Verifier struct {
	mu         sync.RWMutex
	identities map[string]*gate.Identity
}

// compile-time check
var _ gate.TokenVerifier = (*Verifier)(nil)

// NewVerifier creates an empty fake verifier.
func NewVerifier() *Verifier {
	return &Verifier{identities: make(map[string]*gate.Identity)}
}

// Add registers a token string as proving the given identity.
func (v *Verifier) Add(token string, id *gate.Identity) *Verifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.identities[token] = id
	return v
}

// Verify returns the identity registered for the token, or an
// invalid-token authentication error.
func (v *Verifier) Verify(_ context.Context, token string) (*gate.Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if id, ok := v.identities[token]; ok {
		return id, nil
	}
	return nil, &gate.AuthError{Code: gate.AuthInvalidToken, Description: "Invalid token"}
}

// Store is an in-memory gate.UsageStore with the same counter semantics as
// the persisted implementations.
type Store struct {
	mu        sync.Mutex
	bySubject map[string]*gate.UsageRecord
	byID      map[string]*gate.UsageRecord
	nextID    int
}

// compile-time check
var _ gate.UsageStore = (*Store)(nil)

// NewStore creates an empty fake store.
func NewStore() *Store {
	return &Store{
		bySubject: make(map[string]*gate.UsageRecord),
		byID:      make(map[string]*gate.UsageRecord),
	}
}

// Seed inserts a record directly, assigning an id when empty.
func (s *Store) Seed(rec *gate.UsageRecord) *gate.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		s.nextID++
		cp.ID = fmt.Sprintf("usage-%d", s.nextID)
	}
	s.bySubject[cp.Subject] = &cp
	s.byID[cp.ID] = &cp
	return copyRecord(&cp)
}

// Get returns the record for the subject.
func (s *Store) Get(_ context.Context, subject string) (*gate.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySubject[subject]
	if !ok {
		return nil, gate.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// Create inserts the record.
func (s *Store) Create(_ context.Context, rec *gate.UsageRecord) (*gate.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		s.nextID++
		cp.ID = fmt.Sprintf("usage-%d", s.nextID)
	}
	if cp.Tier == "" {
		cp.Tier = gate.TierFree
	}
	s.bySubject[cp.Subject] = &cp
	s.byID[cp.ID] = &cp
	return copyRecord(&cp), nil
}

// Touch refreshes profile metadata.
func (s *Store) Touch(_ context.Context, id, username, email string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return gate.ErrRecordNotFound
	}
	if username != "" {
		rec.Username = username
	}
	if email != "" {
		rec.Email = email
	}
	rec.LastActiveAt = now
	return nil
}

// IncrementUsage applies one admitted request, re-checking the caps under
// the store lock like the persisted implementation does in its transaction.
func (s *Store) IncrementUsage(_ context.Context, id string, limits gate.TierLimits, now time.Time) (*gate.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, gate.ErrRecordNotFound
	}

	if limits.MaxTotalRequests > 0 && rec.TotalRequests >= limits.MaxTotalRequests {
		return nil, &gate.QuotaError{
			Code:            gate.QuotaLifetimeExceeded,
			Message:         fmt.Sprintf("lifetime request limit of %d reached", limits.MaxTotalRequests),
			CurrentRequests: rec.TotalRequests,
			MaxRequests:     limits.MaxTotalRequests,
			Tier:            rec.Tier,
			LimitType:       gate.LimitLifetime,
		}
	}

	reset := gate.MonthlyResetStatus(rec.ResetDate, now)
	if limits.MaxMonthlyRequests > 0 && !reset.Eligible && rec.MonthlyRequests >= limits.MaxMonthlyRequests {
		return nil, &gate.QuotaError{
			Code:            gate.QuotaMonthlyExceeded,
			Message:         fmt.Sprintf("monthly request limit of %d reached", limits.MaxMonthlyRequests),
			CurrentRequests: rec.MonthlyRequests,
			MaxRequests:     limits.MaxMonthlyRequests,
			Tier:            rec.Tier,
			LimitType:       gate.LimitMonthly,
			DaysUntilReset:  reset.DaysUntilReset,
			ResetDate:       reset.NextReset,
		}
	}

	rec.TotalRequests++
	if reset.Eligible {
		rec.MonthlyRequests = 1
		anchor := now
		rec.ResetDate = &anchor
	} else {
		rec.MonthlyRequests++
	}
	rec.LastActiveAt = now
	return copyRecord(rec), nil
}

// UpdateTier moves the record to a new tier with a fresh monthly window.
func (s *Store) UpdateTier(_ context.Context, id string, tier gate.Tier, now time.Time) (*gate.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, gate.ErrRecordNotFound
	}
	rec.Tier = tier
	rec.MonthlyRequests = 0
	anchor := now
	rec.ResetDate = &anchor
	rec.LastActiveAt = now
	return copyRecord(rec), nil
}

func copyRecord(rec *gate.UsageRecord) *gate.UsageRecord {
	cp := *rec
	if rec.ResetDate != nil {
		t := *rec.ResetDate
		cp.ResetDate = &t
	}
	return &cp
}
