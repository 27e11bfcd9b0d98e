// Package auth resolves who is calling the entitlement engine and what they
// may reach.
//
// The authentication layer hands over an Actor. Resolver turns it into a
// Principal whose Scope is either Operator (platform-wide, every permission)
// or TenantAdmin (one tenant). The guard functions are evaluated before any
// data is read or written.
package auth
