package gate

import "context"

type ctxKey string

const (
	ctxKeyIdentity ctxKey = "gate_identity"
	ctxKeyRecord   ctxKey = "gate_usage_record"
	ctxKeyQuota    ctxKey = "gate_quota_info"
)

// WithIdentity stores the verified identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext extracts the verified identity from the context.
// Returns nil for anonymous requests.
func IdentityFromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return v
}

// WithUsageRecord stores the resolved usage record in the context.
func WithUsageRecord(ctx context.Context, rec *UsageRecord) context.Context {
	return context.WithValue(ctx, ctxKeyRecord, rec)
}

// UsageRecordFromContext extracts the resolved usage record from the context.
func UsageRecordFromContext(ctx context.Context) *UsageRecord {
	v, _ := ctx.Value(ctxKeyRecord).(*UsageRecord)
	return v
}

// WithQuotaInfo stores the post-admission quota projection in the context.
func WithQuotaInfo(ctx context.Context, info QuotaInfo) context.Context {
	return context.WithValue(ctx, ctxKeyQuota, info)
}

// QuotaInfoFromContext extracts the quota projection from the context.
func QuotaInfoFromContext(ctx context.Context) (QuotaInfo, bool) {
	v, ok := ctx.Value(ctxKeyQuota).(QuotaInfo)
	return v, ok
}
