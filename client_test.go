package gate_test

import (
	"context"
	"testing"
	"time"

	gate "github.com/unstuckgg/gate-go"
)

type stubVerifier struct{ closed bool }

func (s *stubVerifier) Verify(_ context.Context, _ string) (*gate.Identity, error) {
	return &gate.Identity{Subject: "user-1"}, nil
}

func (s *stubVerifier) Close() error {
	s.closed = true
	return nil
}

func TestNewClient_RequiresVerifierOrJWKSURL(t *testing.T) {
	_, err := gate.NewClient(gate.Config{})
	if err == nil {
		t.Fatal("NewClient() expected error without JWKSURL or verifier, got nil")
	}

	if _, err := gate.NewClient(gate.Config{JWKSURL: "https://auth.example.com/jwks"}); err != nil {
		t.Fatalf("NewClient() with JWKSURL error: %v", err)
	}

	if _, err := gate.NewClient(gate.Config{}, gate.WithTokenVerifier(&stubVerifier{})); err != nil {
		t.Fatalf("NewClient() with injected verifier error: %v", err)
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := gate.NewClient(gate.Config{JWKSURL: "https://auth.example.com/jwks"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := client.Config()
	if cfg.RateLimitRequests != gate.DefaultRateLimitRequests {
		t.Errorf("RateLimitRequests = %d, want %d", cfg.RateLimitRequests, gate.DefaultRateLimitRequests)
	}
	if cfg.RateLimitWindow != gate.DefaultRateLimitWindow {
		t.Errorf("RateLimitWindow = %v, want %v", cfg.RateLimitWindow, gate.DefaultRateLimitWindow)
	}
	if client.Logger() == nil {
		t.Error("Logger() should never be nil")
	}
}

func TestNewClient_NonPositiveThrottleConfigDefaults(t *testing.T) {
	client, err := gate.NewClient(gate.Config{
		JWKSURL:           "https://auth.example.com/jwks",
		RateLimitRequests: -5,
		RateLimitWindow:   -time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := client.Config().RateLimitRequests; got != gate.DefaultRateLimitRequests {
		t.Errorf("RateLimitRequests = %d, want default %d", got, gate.DefaultRateLimitRequests)
	}
	if got := client.Config().RateLimitWindow; got != gate.DefaultRateLimitWindow {
		t.Errorf("RateLimitWindow = %v, want default %v", got, gate.DefaultRateLimitWindow)
	}
}

func TestNewClient_ConfigOverrides(t *testing.T) {
	client, err := gate.NewClient(gate.Config{
		JWKSURL:           "https://auth.example.com/jwks",
		RateLimitRequests: 10,
		RateLimitWindow:   30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if client.Config().RateLimitRequests != 10 {
		t.Errorf("RateLimitRequests = %d, want 10", client.Config().RateLimitRequests)
	}
	if client.Config().RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s", client.Config().RateLimitWindow)
	}
}

func TestClient_CloseClosesServices(t *testing.T) {
	v := &stubVerifier{}
	client, err := gate.NewClient(gate.Config{}, gate.WithTokenVerifier(v))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !v.closed {
		t.Error("Close() should close injected services implementing io.Closer")
	}
}
