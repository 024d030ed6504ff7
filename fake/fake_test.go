package fake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	gate "github.com/unstuckgg/gate-go"
	"github.com/unstuckgg/gate-go/fake"
)

func TestVerifier(t *testing.T) {
	v := fake.NewVerifier().Add("tok-1", &gate.Identity{Subject: "auth0|u1"})

	id, err := v.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id.Subject != "auth0|u1" {
		t.Errorf("Subject = %q", id.Subject)
	}

	_, err = v.Verify(context.Background(), "unknown")
	var authErr *gate.AuthError
	if !errors.As(err, &authErr) || authErr.Code != gate.AuthInvalidToken {
		t.Errorf("unknown token: got %v, want invalid_token AuthError", err)
	}
}

func TestStore_IncrementIsolation(t *testing.T) {
	s := fake.NewStore()
	ctx := context.Background()
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

	rec := s.Seed(&gate.UsageRecord{Subject: "auth0|u1", Tier: gate.TierFree})

	updated, err := s.IncrementUsage(ctx, rec.ID, gate.TierLimits{MaxTotalRequests: 2}, now)
	if err != nil {
		t.Fatal(err)
	}

	// Returned records are copies: mutating one must not leak into the store.
	updated.TotalRequests = 999
	got, err := s.Get(ctx, "auth0|u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRequests != 1 {
		t.Errorf("TotalRequests = %d, want 1 (returned copy was mutated)", got.TotalRequests)
	}
}

func TestStore_CapEnforcement(t *testing.T) {
	s := fake.NewStore()
	ctx := context.Background()
	now := time.Now()

	rec := s.Seed(&gate.UsageRecord{Subject: "auth0|u1", Tier: gate.TierFree, TotalRequests: 2})

	_, err := s.IncrementUsage(ctx, rec.ID, gate.TierLimits{MaxTotalRequests: 2}, now)
	var qErr *gate.QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("got %v, want *gate.QuotaError", err)
	}
	if qErr.Code != gate.QuotaLifetimeExceeded {
		t.Errorf("Code = %q", qErr.Code)
	}
}

func TestStore_MissingRecord(t *testing.T) {
	s := fake.NewStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "nobody"); !errors.Is(err, gate.ErrRecordNotFound) {
		t.Errorf("Get() = %v, want ErrRecordNotFound", err)
	}
	if err := s.Touch(ctx, "no-id", "n", "e", time.Now()); !errors.Is(err, gate.ErrRecordNotFound) {
		t.Errorf("Touch() = %v, want ErrRecordNotFound", err)
	}
	if _, err := s.UpdateTier(ctx, "no-id", gate.TierPremium, time.Now()); !errors.Is(err, gate.ErrRecordNotFound) {
		t.Errorf("UpdateTier() = %v, want ErrRecordNotFound", err)
	}
}
