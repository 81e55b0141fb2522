// ABOUTME: Authenticated identity carried through a connection's lifetime
// ABOUTME: Provides WithIdentity/FromContext for propagating the user via context

package auth

import (
	"context"
)

// Identity is the authenticated user behind a connection. It is resolved once
// at connect time; messages on the connection are not re-authenticated.
type Identity struct {
	UserID   string
	Username string
}

type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
