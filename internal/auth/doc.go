// Package auth provides authentication and authorization for squadhub.
//
// # Authentication
//
// All callers authenticate with JWT tokens signed HS256 using the configured
// jwt_secret. A token carries three claims beyond the standard set:
//
//   - sub: the agent or viewer identifier
//   - role: one of the squad roles or end_user
//   - squads: the squad IDs this caller may observe
//
// # Visibility
//
// The AuthContext derived from a verified token answers two questions for the
// event stream handlers:
//
//   - IsMemberOf(squadID): does the token cover this squad's streams?
//   - CanSee(visibility): may this caller receive traffic at this visibility?
//
// End users receive only public and system traffic; squad roles receive
// everything. Role is fixed at token issue time, so revoking access means
// rotating the token.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware validates the bearer token and attaches the AuthContext
// to the request context. RequireSquadHTTP layers on top of it and rejects
// requests whose path names a squad outside the token's squads claim.
package auth
