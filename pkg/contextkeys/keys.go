// Package contextkeys provides centralized context key definitions.
//
// All context keys shared across packages are defined here so their setters
// and readers agree on the key and the stored type.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains auth.Actor
	// Set by: middleware.Actor (pkg/middleware/actor.go)
	// Type: auth.Actor
	ActorKey Key = "actor"

	// PrincipalKey contains auth.Principal, the actor plus its resolved scope
	// Set by: middleware.Scope (pkg/middleware/actor.go)
	// Required by: every rbac, plans and tenants handler
	// Type: auth.Principal
	PrincipalKey Key = "principal"

	// RequestInfoKey contains client metadata recorded on audit events
	// Set by: middleware.RequestInfo
	// Used by: audit.Dispatcher
	// Type: audit.RequestInfo
	RequestInfoKey Key = "request_info"
)

// With stores value under key
func With(ctx context.Context, key Key, value interface{}) context.Context {
	return context.WithValue(ctx, key, value)
}
