// Package plans manages versioned plan templates and propagates them into
// tenant permissions.
//
// A template version moves DRAFT -> PUBLISHED -> ARCHIVED. A plan has at
// most one DRAFT, enforced by a row lock on the plan and backed by a partial
// unique index, and at most one PUBLISHED version, enforced by archiving the
// previous one in the same transaction that publishes the next.
//
// The Synchronizer applies a version to the administrator roles of a tenant.
// CONSERVATIVE mode only inserts full-access grants for entitled modules and
// submodules the role does not hold yet, so running it twice is a no-op.
// FORCE additionally revokes the administrator rows the version no longer
// entitles. Each tenant is one transaction; a batch over a plan's tenants
// keeps going past individual failures and reports them.
package plans
