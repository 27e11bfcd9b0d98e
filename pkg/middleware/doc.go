// Package middleware provides the HTTP middleware that establishes who is
// calling and what they may reach.
//
// Principal reads the actor headers set by the authentication proxy
// (X-User-ID, X-Username, X-Role-ID, X-Tenant-ID, X-Developer), resolves the
// scope once and stores the auth.Principal in the request context:
//
//	router.Use(middleware.RequestInfo)
//	router.Use(middleware.Principal(resolver, logger))
//	router.Use(throttle.Handler)
//
// Handlers read it back with PrincipalFrom. WriteThrottle limits mutating
// requests per principal with a Redis fixed window and fails open.
package middleware
