// Package telemetry provides operation tagging and OpenTelemetry metrics for
// the cache tiers, the upload pipeline and the backends.
package telemetry

import (
	"context"
)

type contextKey string

const (
	// operationTagsKey is the context key for the mutable tags of a facade call.
	operationTagsKey contextKey = "operation_tags"
	// operationKey is the context key for propagating an operation name to background goroutines.
	operationKey contextKey = "operation"
)

// Tier names the storage tier that answered a lookup.
type Tier string

const (
	TierStaging  Tier = "staging"
	TierDownload Tier = "download"
	TierBackend  Tier = "backend"
	TierInline   Tier = "inline"
	TierNone     Tier = "none"
)

// OperationTags holds mutable per-call metadata that the cache layers fill in
// as a lookup descends through the tiers.
type OperationTags struct {
	Operation string
	Tier      Tier
}

// WithOperation returns a context carrying fresh OperationTags for op.
// Call this at the top of a facade operation.
func WithOperation(ctx context.Context, op string) context.Context {
	tags := &OperationTags{Operation: op, Tier: TierNone}
	return context.WithValue(ctx, operationTagsKey, tags)
}

// GetTags retrieves the operation tags from ctx.
// Returns nil if ctx was not prepared with WithOperation.
func GetTags(ctx context.Context) *OperationTags {
	if tags, ok := ctx.Value(operationTagsKey).(*OperationTags); ok {
		return tags
	}
	return nil
}

// SetTier records the tier that served the current operation.
func SetTier(ctx context.Context, tier Tier) {
	if tags := GetTags(ctx); tags != nil {
		tags.Tier = tier
	}
}

// TierFromContext returns the tier recorded on ctx, or TierNone.
func TierFromContext(ctx context.Context) Tier {
	if tags := GetTags(ctx); tags != nil && tags.Tier != "" {
		return tags.Tier
	}
	return TierNone
}

// OperationFromContext retrieves the operation name from ctx.
// It checks both background contexts (set by WithOperationContext) and
// call contexts (set by WithOperation).
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	if tags := GetTags(ctx); tags != nil {
		return tags.Operation
	}
	return ""
}

// WithOperationContext returns a context with the operation name stored.
// Use this for goroutines that outlive the call, such as upload tasks.
func WithOperationContext(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey, op)
}
