package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated principal
	PrincipalKey ContextKey = "principal"
)

// AnonymousPrincipal is used when a request carries no credentials.
const AnonymousPrincipal = "anonymous"

// WithPrincipal returns a copy of ctx carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// ExtractPrincipal extracts the principal from the request context
func ExtractPrincipal(ctx context.Context) (string, bool) {
	principal, ok := ctx.Value(PrincipalKey).(string)
	return principal, ok
}

// PrincipalOrAnonymous returns the principal, or AnonymousPrincipal when none is set.
func PrincipalOrAnonymous(ctx context.Context) string {
	if principal, ok := ExtractPrincipal(ctx); ok && principal != "" {
		return principal
	}
	return AnonymousPrincipal
}
