package tenants

import "time"

// Tenant is a customer organization sharing the schema via tenant_id.
// PermVersion is bumped on every permission mutation affecting the tenant and
// is the signal callers poll to drop their own caches.
type Tenant struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	PlanID       *int64     `json:"plan_id,omitempty"`
	PermVersion  int        `json:"perm_version"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// PermVersionInfo is the polling response for a tenant
type PermVersionInfo struct {
	TenantID     int64      `json:"tenant_id"`
	PermVersion  int        `json:"perm_version"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}
