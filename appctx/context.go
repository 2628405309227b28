package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> sheetsync).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeyRunId         = ContextKey("RunId")

	// ContextKeyTriggeredBy records who started a sync run (scheduler, manual, pubsub, cli).
	ContextKeyTriggeredBy = ContextKey("TriggeredBy")

	// ContextKeyAllowDestructive unlocks bulk deletes of budget tables for the statement.
	// Only the full refresh sets it.
	ContextKeyAllowDestructive = ContextKey("AllowDestructive")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetRunId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyRunId)
}

func SetRunId(ctx context.Context, runId string) context.Context {
	return Set(ctx, ContextKeyRunId, runId)
}

func GetTriggeredBy(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyTriggeredBy)
}

func SetTriggeredBy(ctx context.Context, triggeredBy string) context.Context {
	return Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}
