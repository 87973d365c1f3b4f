// Package gateway wires the squadhub components together and exposes them
// over HTTP.
//
// # Composition
//
// New builds the full stack from configuration: the SQLite store, the agent
// registry, the message router, the execution state machine, the conversation
// manager with its deadline sweeper, and the event hub. Run starts the
// sweeper and the HTTP server and blocks until the context is canceled.
//
// # API surface
//
// The REST endpoints under /api/ mutate and read executions, messages,
// conversations, and squad membership. The /events endpoints stream event
// envelopes as server-sent events; the /envelopes endpoints are the durable
// reconcile reads backing them. Health and metrics endpoints sit outside the
// auth middleware.
//
// # Authentication
//
// When a JWT secret is configured, every /api/ route requires a bearer token
// and squad-scoped routes additionally check squad membership. End-user
// tokens see only public and system traffic, on streams and reads alike.
// Without a secret the API is open, as in local development.
package gateway
