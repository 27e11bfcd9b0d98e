package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/entitle/pkg/apperr"
	"github.com/platinummonkey/entitle/pkg/observability"
)

// Resolver turns an Actor into a Principal. Operator status is decided by the
// reserved user name or by the role stored for the user in that tenant, never
// by the actor's own claim.
type Resolver struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewResolver creates a scope resolver
func NewResolver(db *sql.DB, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Resolver{db: db, logger: logger}
}

// Resolve computes the principal for actor
func (r *Resolver) Resolve(ctx context.Context, actor Actor) (Principal, error) {
	if IsOperatorName(actor.Username) {
		return Principal{Actor: actor, Scope: Operator{}}, nil
	}

	isOperator, err := r.storedRoleIsOperator(ctx, actor)
	if err != nil {
		return Principal{}, apperr.Persistence("resolveScope", err)
	}
	if isOperator {
		return Principal{Actor: actor, Scope: Operator{}}, nil
	}

	if actor.DeveloperClaim || actor.RoleID == OperatorRoleID {
		r.logger.WithFields(map[string]interface{}{
			"user_id":   actor.UserID,
			"username":  actor.Username,
			"tenant_id": actor.TenantID,
		}).Warn("Operator claim not confirmed by stored role; treating as tenant scope")
	}

	if actor.TenantID <= 0 {
		return Principal{}, apperr.Validation("resolveScope", "tenant is required for non-operator users")
	}
	return Principal{Actor: actor, Scope: TenantAdmin{TenantID: actor.TenantID}}, nil
}

func (r *Resolver) storedRoleIsOperator(ctx context.Context, actor Actor) (bool, error) {
	if actor.Username == "" {
		return false, nil
	}
	var roleID sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT role_id FROM users WHERE username = $1 AND tenant_id = $2 LIMIT 1",
		actor.Username, actor.TenantID,
	).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user role: %w", err)
	}
	return roleID.Valid && roleID.Int64 == OperatorRoleID, nil
}
