package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

// EntityType names the kind of record an event is about
type EntityType string

const (
	EntityPermissions       EntityType = "PERMISSIONS"
	EntityPlanTemplate      EntityType = "PLAN_TEMPLATE"
	EntityTenantPermissions EntityType = "TENANT_PERMISSIONS"
)

// Action names what happened to the entity
type Action string

const (
	ActionReplace         Action = "REPLACE"
	ActionCreateDraft     Action = "CREATE_DRAFT"
	ActionPublish         Action = "PUBLISH"
	ActionSetEntitlements Action = "SET_ENTITLEMENTS"
	ActionSync            Action = "SYNC"
)

// Event is one append-only audit record
type Event struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	ActorUserID    int64                  `json:"actor_user_id"`
	ActorRole      int64                  `json:"actor_role"`
	TargetTenantID *int64                 `json:"target_tenant_id,omitempty"`
	EntityType     EntityType             `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Action         Action                 `json:"action"`
	Details        map[string]interface{} `json:"details,omitempty"`
	IP             string                 `json:"ip,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
}

// RequestInfo is the client metadata recorded on events
type RequestInfo struct {
	IP        string
	UserAgent string
}

// WithRequestInfo stores client metadata for events emitted during the request
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return contextkeys.With(ctx, contextkeys.RequestInfoKey, info)
}

// RequestInfoFrom returns the client metadata stored in ctx, if any
func RequestInfoFrom(ctx context.Context) RequestInfo {
	if info, ok := ctx.Value(contextkeys.RequestInfoKey).(RequestInfo); ok {
		return info
	}
	return RequestInfo{}
}
