// ABOUTME: Request-context carrier for the authenticated identity
// ABOUTME: Unexported key type so other packages cannot forge entries

package auth

import "context"

type contextKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the identity placed by the auth middleware.
// The second return is false for unauthenticated contexts.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
