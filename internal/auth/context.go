package auth

import (
	"context"
	"strings"
)

type actorContextKey struct{}

// SystemActor attributes operations without an authenticated operator.
const SystemActor = "system"

// ContextWithActor records who performs administrative operations.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the operator stored by ContextWithActor, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if v, ok := ctx.Value(actorContextKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}
