// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and the visibility filter for event streams

package auth

import (
	"context"
	"slices"

	"github.com/squadops/squadhub/internal/event"
	"github.com/squadops/squadhub/internal/identity"
)

// AuthContext holds the authenticated identity information extracted from a
// request. This is populated by the auth middleware and can be retrieved from
// context in handlers.
type AuthContext struct {
	Subject string        // agent or viewer identifier from the token's sub claim
	Role    identity.Role // the caller's role, fixed at token issue time
	Squads  []string      // squads the caller may observe
}

// IsMemberOf reports whether the caller's token grants access to the squad.
func (a *AuthContext) IsMemberOf(squadID string) bool {
	return slices.Contains(a.Squads, squadID)
}

// CanSee reports whether this caller may receive traffic with the given
// visibility. End users see only public and system traffic; every squad role
// sees everything.
func (a *AuthContext) CanSee(v event.Visibility) bool {
	if a.Role != identity.RoleEndUser {
		return true
	}
	return v == event.VisibilityPublic || v == event.VisibilitySystem
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
