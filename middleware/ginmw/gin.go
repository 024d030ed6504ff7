// Package ginmw provides Gin HTTP middleware implementing the per-request
// admission pipeline.
//
// Admission runs the full gate: authenticate → transport throttle →
// resolve usage record → feature/quota checks → usage commit → enriched
// context for the downstream handler. The throttle runs before any
// persisted-store round trip so abusive callers never touch the database.
// Each step is terminal on first failure and no counter is mutated on a
// rejected request.
package ginmw

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gate "github.com/unstuckgg/gate-go"
	"github.com/unstuckgg/gate-go/audit"
	"github.com/unstuckgg/gate-go/metrics"
	"github.com/unstuckgg/gate-go/ratelimit"
)

// Context keys for storing admission data in gin.Context.
const (
	KeyIdentity    = "gate_identity"
	KeyUsageRecord = "gate_usage_record"
	KeyQuotaInfo   = "gate_quota_info"
)

// AdmissionOption configures Admission middleware behavior.
type AdmissionOption func(*admissionConfig)

type admissionConfig struct {
	excludedPaths map[string]bool
	feature       string
	countUsage    bool
	limit         int
	window        time.Duration
	metrics       *metrics.Metrics
	audit         *audit.Logger
	stats         ratelimit.StatsStore
}

// WithExcludedPaths sets paths that skip the pipeline (e.g. health checks).
func WithExcludedPaths(paths ...string) AdmissionOption {
	return func(cfg *admissionConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// WithFeature gates the route on a named feature: callers whose tier
// restricts the feature are rejected with 403 regardless of remaining quota.
func WithFeature(name string) AdmissionOption {
	return func(cfg *admissionConfig) { cfg.feature = name }
}

// WithoutUsageCount admits requests without consuming quota. Used for
// feature-gated routes that do not count towards chat request limits.
func WithoutUsageCount() AdmissionOption {
	return func(cfg *admissionConfig) { cfg.countUsage = false }
}

// WithRateLimit overrides the client's transport throttle configuration for
// this route.
func WithRateLimit(limit int, window time.Duration) AdmissionOption {
	return func(cfg *admissionConfig) {
		cfg.limit = limit
		cfg.window = window
	}
}

// WithMetrics records admission decisions to Prometheus.
func WithMetrics(m *metrics.Metrics) AdmissionOption {
	return func(cfg *admissionConfig) { cfg.metrics = m }
}

// WithAudit emits one audit event per admission decision.
func WithAudit(l *audit.Logger) AdmissionOption {
	return func(cfg *admissionConfig) { cfg.audit = l }
}

// WithStats records throttle decisions to a stats store (best effort).
func WithStats(s ratelimit.StatsStore) AdmissionOption {
	return func(cfg *admissionConfig) { cfg.stats = s }
}

// Admission returns Gin middleware running the full admission pipeline
// against the client's verifier, limiter, and quota service.
func Admission(client *gate.Client, opts ...AdmissionOption) gin.HandlerFunc {
	cfg := &admissionConfig{
		excludedPaths: make(map[string]bool),
		countUsage:    true,
		limit:         client.Config().RateLimitRequests,
		window:        client.Config().RateLimitWindow,
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()

		// 1. Authenticate.
		identity, ok := authenticate(client, cfg, c)
		if !ok {
			return
		}

		// 2. Transport throttle, before any persisted-store round trip.
		if !throttle(client, cfg, c, identity) {
			return
		}

		quota := client.Quota()
		if quota == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "internal_error", "description": "quota service not configured"})
			return
		}

		// 3. Resolve the usage record.
		rec, err := quota.ResolveRecord(c.Request.Context(), identity)
		if err != nil {
			client.Logger().Error("failed to resolve usage record",
				"subject", identity.Subject, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError,
				gin.H{"error": "internal_error", "description": "unable to resolve usage record"})
			return
		}

		// 4. Tier feature and quota gates.
		if cfg.feature != "" {
			if err := quota.CheckFeatureAccess(rec, cfg.feature); err != nil {
				rejectFeature(cfg, c, identity, err)
				return
			}
		}
		if cfg.countUsage {
			if err := quota.CheckRequestLimit(rec); err != nil {
				rejectQuota(cfg, c, identity, err)
				return
			}

			// 5. Commit. The store re-checks the caps atomically, so a
			// concurrent request that won the race surfaces here as a
			// quota rejection rather than an over-count.
			rec, err = quota.IncrementUsage(c.Request.Context(), rec)
			if err != nil {
				if qErr, ok := errAs[*gate.QuotaError](err); ok {
					rejectQuota(cfg, c, identity, qErr)
					return
				}
				client.Logger().Error("failed to commit usage",
					"subject", identity.Subject, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"error": "internal_error", "description": "unable to record usage"})
				return
			}
		}

		// 6. Admit: enrich context for the downstream handler.
		info := quota.QuotaInfo(rec)
		c.Set(KeyIdentity, identity)
		c.Set(KeyUsageRecord, rec)
		c.Set(KeyQuotaInfo, info)

		ctx := gate.WithIdentity(c.Request.Context(), identity)
		ctx = gate.WithUsageRecord(ctx, rec)
		ctx = gate.WithQuotaInfo(ctx, info)
		c.Request = c.Request.WithContext(ctx)

		if cfg.metrics != nil {
			cfg.metrics.ObserveAdmission(time.Since(start).Seconds())
			if lk, ok := client.Limiter().(interface{ Len() int }); ok {
				cfg.metrics.SetRateLimitKeys(lk.Len())
			}
		}
		emitAudit(cfg, c, audit.Event{
			Subject: identity.Subject,
			Action:  audit.ActionAdmit,
			Result:  audit.ResultAllowed,
			Tier:    string(rec.Tier),
			Feature: cfg.feature,
		})
		client.Logger().Debug("request admitted",
			"subject", identity.Subject, "tier", rec.Tier, "path", c.Request.URL.Path)

		c.Next()
	}
}

// authenticate verifies the bearer token and reports metrics/audit. On
// failure the request is aborted with a structured 401 (or 503 when the key
// set is unreachable).
func authenticate(client *gate.Client, cfg *admissionConfig, c *gin.Context) (*gate.Identity, bool) {
	token := extractBearerToken(c.Request)
	if token == "" {
		writeAuthError(c, &gate.AuthError{
			Code:        gate.AuthInvalidHeader,
			Description: "Bearer token missing",
		})
		recordAuthFailure(cfg, c, gate.AuthInvalidHeader)
		return nil, false
	}

	verifier := client.Verifier()
	if verifier == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			gin.H{"error": "internal_error", "description": "token verifier not configured"})
		return nil, false
	}

	identity, err := verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if svcErr, ok := errAs[*gate.ServiceUnavailableError](err); ok {
			client.Logger().Error("key set unavailable", "error", svcErr)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "service_unavailable", "description": "Unable to fetch key set"})
			emitAudit(cfg, c, audit.Event{
				Action: audit.ActionAuth,
				Result: audit.ResultFailure,
				Error:  svcErr.Error(),
			})
			return nil, false
		}
		authErr, ok := errAs[*gate.AuthError](err)
		if !ok {
			authErr = &gate.AuthError{Code: gate.AuthInvalidToken, Description: "Invalid token"}
		}
		writeAuthError(c, authErr)
		recordAuthFailure(cfg, c, authErr.Code)
		return nil, false
	}

	if cfg.metrics != nil {
		cfg.metrics.RecordAuthSuccess()
	}
	return identity, true
}

// throttle applies the transport rate limit. Returns false when the request
// was rejected.
func throttle(client *gate.Client, cfg *admissionConfig, c *gin.Context, identity *gate.Identity) bool {
	limiter := client.Limiter()
	if limiter == nil {
		return true
	}

	key := ratelimit.KeyForRequest(identity.Subject, c.Request)
	limited, current, resetAfter := limiter.IsLimited(key, cfg.limit, cfg.window)

	if cfg.stats != nil {
		// best effort, never fails the request
		_ = cfg.stats.Record(c.Request.Context(), ratelimit.StatsEvent{
			Key:     key,
			Allowed: !limited,
			Method:  c.Request.Method,
			Path:    c.Request.URL.Path,
			At:      time.Now(),
		})
	}

	if limited {
		rlErr := &gate.RateLimitError{
			CurrentRequests: current,
			Limit:           cfg.limit,
			WindowSeconds:   int(cfg.window.Seconds()),
			RetryAfter:      resetAfter,
		}
		if cfg.metrics != nil {
			cfg.metrics.RecordThrottleRejection()
		}
		emitAudit(cfg, c, audit.Event{
			Subject: identity.Subject,
			Action:  audit.ActionThrottle,
			Result:  audit.ResultDenied,
			Error:   rlErr.Error(),
		})
		c.Header("Retry-After", strconv.Itoa(rlErr.RetryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":            "rate_limit_exceeded",
			"message":          "Rate limit exceeded. Try again in " + strconv.Itoa(rlErr.RetryAfter) + " seconds.",
			"current_requests": rlErr.CurrentRequests,
			"limit":            rlErr.Limit,
			"window_seconds":   rlErr.WindowSeconds,
			"retry_after":      rlErr.RetryAfter,
		})
		return false
	}

	// Throttle state for the success headers set on admission. Reset is
	// when the oldest in-window request expires, not a worst-case now+window.
	remaining := cfg.limit - current
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset",
		strconv.FormatInt(time.Now().Add(time.Duration(resetAfter)*time.Second).Unix(), 10))
	return true
}

func rejectFeature(cfg *admissionConfig, c *gin.Context, identity *gate.Identity, err error) {
	fErr, ok := errAs[*gate.FeatureError](err)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "feature_access_denied"})
		return
	}
	if cfg.metrics != nil {
		cfg.metrics.RecordFeatureDenial(fErr.Feature, string(fErr.CurrentTier))
	}
	emitAudit(cfg, c, audit.Event{
		Subject: identity.Subject,
		Action:  audit.ActionFeature,
		Result:  audit.ResultDenied,
		Feature: fErr.Feature,
		Tier:    string(fErr.CurrentTier),
	})
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error":            "feature_access_denied",
		"feature":          fErr.Feature,
		"current_tier":     string(fErr.CurrentTier),
		"upgrade_required": true,
	})
}

func rejectQuota(cfg *admissionConfig, c *gin.Context, identity *gate.Identity, err error) {
	qErr, ok := errAs[*gate.QuotaError](err)
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "request_limit_exceeded"})
		return
	}
	if cfg.metrics != nil {
		cfg.metrics.RecordQuotaDenial(string(qErr.Tier), qErr.LimitType)
	}
	emitAudit(cfg, c, audit.Event{
		Subject: identity.Subject,
		Action:  audit.ActionQuota,
		Result:  audit.ResultDenied,
		Tier:    string(qErr.Tier),
		Details: qErr.Code,
	})

	body := gin.H{
		"error":            qErr.Code,
		"message":          qErr.Message,
		"current_requests": qErr.CurrentRequests,
		"max_requests":     qErr.MaxRequests,
		"tier":             string(qErr.Tier),
		"limit_type":       qErr.LimitType,
	}
	switch qErr.LimitType {
	case gate.LimitLifetime:
		body["upgrade_required"] = true
	case gate.LimitMonthly:
		body["days_until_reset"] = qErr.DaysUntilReset
		if qErr.ResetDate != nil {
			body["reset_date"] = qErr.ResetDate.Format(time.RFC3339)
		}
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
}

// Auth returns middleware that only authenticates: it verifies the bearer
// token and stores the identity in the context, without touching rate limits
// or quotas.
func Auth(client *gate.Client, opts ...AdmissionOption) gin.HandlerFunc {
	cfg := &admissionConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		identity, ok := authenticate(client, cfg, c)
		if !ok {
			return
		}
		c.Set(KeyIdentity, identity)
		c.Request = c.Request.WithContext(gate.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

// OptionalAuth returns middleware that verifies the bearer token when one is
// present but never rejects the request. Anonymous requests proceed with no
// identity in the context.
func OptionalAuth(client *gate.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.Request)
		if token == "" {
			c.Next()
			return
		}
		verifier := client.Verifier()
		if verifier == nil {
			c.Next()
			return
		}
		identity, err := verifier.Verify(c.Request.Context(), token)
		if err == nil {
			c.Set(KeyIdentity, identity)
			c.Request = c.Request.WithContext(gate.WithIdentity(c.Request.Context(), identity))
		}
		c.Next()
	}
}

// Require returns middleware that checks a single permission on the verified
// identity. Requires Admission or Auth to run first.
func Require(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetIdentity(c)
		if id == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "invalid_token", "description": "authentication required"})
			return
		}
		if !id.HasPermission(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":       "insufficient_permissions",
				"description": "Permission required: " + permission,
			})
			return
		}
		c.Next()
	}
}

// RequireAny returns middleware that checks whether the identity has any of
// the given permissions.
func RequireAny(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := GetIdentity(c)
		if id == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "invalid_token", "description": "authentication required"})
			return
		}
		for _, p := range permissions {
			if id.HasPermission(p) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":       "insufficient_permissions",
			"description": "One of these permissions required: " + strings.Join(permissions, ", "),
		})
	}
}

// --- Context helpers ---

// GetIdentity returns the verified identity from the Gin context, or nil.
func GetIdentity(c *gin.Context) *gate.Identity {
	v, _ := c.Get(KeyIdentity)
	id, _ := v.(*gate.Identity)
	return id
}

// GetUsageRecord returns the resolved usage record from the Gin context.
func GetUsageRecord(c *gin.Context) *gate.UsageRecord {
	v, _ := c.Get(KeyUsageRecord)
	rec, _ := v.(*gate.UsageRecord)
	return rec
}

// GetQuotaInfo returns the post-admission quota projection.
func GetQuotaInfo(c *gin.Context) (gate.QuotaInfo, bool) {
	v, ok := c.Get(KeyQuotaInfo)
	if !ok {
		return gate.QuotaInfo{}, false
	}
	info, ok := v.(gate.QuotaInfo)
	return info, ok
}

// --- internal helpers ---

func writeAuthError(c *gin.Context, err *gate.AuthError) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":       err.Code,
		"description": err.Description,
	})
}

func recordAuthFailure(cfg *admissionConfig, c *gin.Context, code string) {
	if cfg.metrics != nil {
		cfg.metrics.RecordAuthFailure(code)
	}
	emitAudit(cfg, c, audit.Event{
		Action: audit.ActionAuth,
		Result: audit.ResultDenied,
		Error:  code,
	})
}

func emitAudit(cfg *admissionConfig, c *gin.Context, ev audit.Event) {
	if cfg.audit == nil {
		return
	}
	ev.Path = c.Request.URL.Path
	ev.IP = c.ClientIP()
	ev.UserAgent = c.Request.UserAgent()
	cfg.audit.Emit(ev)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// errAs is a typed errors.As helper.
func errAs[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}
