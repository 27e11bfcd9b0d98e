package plans

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a plan template version
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPublished Status = "PUBLISHED"
	StatusArchived  Status = "ARCHIVED"
)

// Version is one numbered template of a plan's intended entitlements.
// A plan has at most one DRAFT and at most one PUBLISHED version.
type Version struct {
	ID          int64      `json:"id"`
	PlanID      int64      `json:"plan_id"`
	Version     int        `json:"version"`
	Status      Status     `json:"status"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// SubmoduleEntitlement is a submodule included in a version, with its module
type SubmoduleEntitlement struct {
	SubmoduleID int64 `json:"submodule_id"`
	ModuleID    int64 `json:"module_id"`
}

// Entitlements is the capability set a template version grants
type Entitlements struct {
	Modules    []int64                `json:"modules"`
	Submodules []SubmoduleEntitlement `json:"submodules"`
}

// ModuleIDs returns the entitled module ids
func (e Entitlements) ModuleIDs() []int64 {
	return append([]int64{}, e.Modules...)
}

// SubmoduleIDs returns the entitled submodule ids
func (e Entitlements) SubmoduleIDs() []int64 {
	ids := make([]int64, 0, len(e.Submodules))
	for _, s := range e.Submodules {
		ids = append(ids, s.SubmoduleID)
	}
	return ids
}

// Mode selects how a sync treats grants outside the template
type Mode string

const (
	// ModeConservative only adds missing grants
	ModeConservative Mode = "CONSERVATIVE"
	// ModeForce also revokes administrator grants the template no longer entitles
	ModeForce Mode = "FORCE"
)

// ParseMode parses a sync mode; empty means CONSERVATIVE
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModeConservative:
		return ModeConservative, nil
	case ModeForce:
		return ModeForce, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// SyncResult reports a single tenant sync. Success is false, with a message,
// when there was nothing to do (unknown version, no administrator role).
type SyncResult struct {
	TenantID  int64  `json:"tenant_id"`
	VersionID int64  `json:"version_id"`
	Success   bool   `json:"success"`
	Changes   int    `json:"changes"`
	Revoked   int    `json:"revoked"`
	Message   string `json:"message,omitempty"`
}

// TenantOutcome is a tenant that was skipped by a batch sync
type TenantOutcome struct {
	TenantID int64  `json:"tenant_id"`
	Message  string `json:"message"`
}

// TenantError is a tenant whose sync failed and was rolled back
type TenantError struct {
	TenantID int64  `json:"tenant_id"`
	Error    string `json:"error"`
}

// BatchResult reports a sync of every tenant subscribed to a plan
type BatchResult struct {
	Success     bool            `json:"success"`
	PlanID      int64           `json:"plan_id"`
	VersionID   int64           `json:"version_id"`
	SyncedCount int             `json:"synced_count"`
	TotalCount  int             `json:"total_count"`
	Changes     int             `json:"changes"`
	Skipped     []TenantOutcome `json:"skipped,omitempty"`
	Errors      []TenantError   `json:"errors,omitempty"`
}
