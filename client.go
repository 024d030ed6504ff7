// Package gate provides access and admission control for the gaming-chat
// API: bearer-token verification against a rotating key set, transport-level
// sliding-window rate limiting, and tiered quota enforcement over persisted
// usage records.
//
// The SDK defines interfaces for each concern and assembles injected
// implementations into a Client. The per-request pipeline lives in
// middleware/ginmw.
//
// Example:
//
//	client, err := gate.NewClient(
//	    gate.Config{
//	        JWKSURL:  "https://auth.example.com/.well-known/jwks.json",
//	        Audience: "https://api.example.com",
//	        Issuer:   "https://auth.example.com/",
//	    },
//	    gate.WithTokenVerifier(verifier),
//	    gate.WithRateLimiter(limiter),
//	    gate.WithQuotaService(quota),
//	)
package gate

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Client is the main entry point for admission-control operations.
// Service implementations are injected via Option functions.
type Client struct {
	config   Config
	logger   *slog.Logger
	verifier TokenVerifier
	limiter  RateLimiter
	quota    QuotaService
}

// Config holds behavior configuration.
type Config struct {
	// JWKSURL is the issuer's published key-set endpoint.
	// Example: "https://auth.example.com/.well-known/jwks.json"
	JWKSURL string

	// Audience is the expected token audience.
	Audience string

	// Issuer is the expected token issuer.
	Issuer string

	// RateLimitRequests is the transport throttle limit per window.
	// Default: 60.
	RateLimitRequests int

	// RateLimitWindow is the transport throttle window. Default: 1 minute.
	RateLimitWindow time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenVerifier sets the token verification implementation.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(c *Client) { c.verifier = v }
}

// WithRateLimiter sets the transport throttle implementation.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithQuotaService sets the quota enforcement implementation.
func WithQuotaService(q QuotaService) Option {
	return func(c *Client) { c.quota = q }
}

// Default transport throttle configuration.
const (
	DefaultRateLimitRequests = 60
	DefaultRateLimitWindow   = time.Minute
)

// NewClient creates a new admission-control client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = DefaultRateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}

	c := &Client{config: cfg}
	for _, o := range opts {
		o(c)
	}

	if c.verifier == nil && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("gate: either JWKSURL or an injected TokenVerifier is required")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.config }

// Logger returns the structured logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Verifier returns the token verifier, or nil if not configured.
func (c *Client) Verifier() TokenVerifier { return c.verifier }

// Limiter returns the transport throttle, or nil if not configured.
func (c *Client) Limiter() RateLimiter { return c.limiter }

// Quota returns the quota service, or nil if not configured.
func (c *Client) Quota() QuotaService { return c.quota }

// Close releases all resources held by the client.
// Any injected service that implements io.Closer will be closed.
func (c *Client) Close() error {
	closers := []interface{}{c.verifier, c.limiter, c.quota}
	var firstErr error
	for _, svc := range closers {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
